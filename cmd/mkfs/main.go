// Command mkfs builds a bootable FAT12 test image from a skeleton host
// directory tree, for use as the system disk during development and in
// integration tests that want a real block device instead of the
// hand-assembled images in fat/fat_test.go.
//
// Grounded on mkfs/mkfs.go's recursive addfiles/copydata walk; this
// version targets FAT12 directly instead of biscuit's own on-disk log
// format, since that is the only filesystem §4.9 specifies.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goos32/blkdev"
)

const sectorsPerCluster = 1
const bytesPerCluster = sectorsPerCluster * blkdev.BlockSize
const dirEntrySize = 32
const attrDirectory = 0x10

// node is one file or directory in the skeleton tree being packed.
type node struct {
	shortName string
	isDir     bool
	data      []byte   // file content
	children  []*node  // directory entries, in on-disk order
	clusters  []uint32 // assigned data clusters, empty for a 0-byte file
}

func main() {
	if len(os.Args) != 3 {
		fmt.Printf("usage: %s <skeleton dir> <output image>\n", os.Args[0])
		os.Exit(1)
	}
	skelDir, outPath := os.Args[1], os.Args[2]

	root, err := walk(skelDir)
	if err != nil {
		fmt.Printf("error walking %q: %v\n", skelDir, err)
		os.Exit(1)
	}

	nextCluster := uint32(2)
	assignClusters(root, &nextCluster)
	totalClusters := nextCluster - 2

	const reservedSectors = 1
	const numFATs = 1
	rootEntries := roundUp16(len(root.children))
	rootDirSectors := uint32(rootEntries) * dirEntrySize / blkdev.BlockSize
	sectorsPerFAT := fatSectors(totalClusters)
	dataStart := reservedSectors + numFATs*sectorsPerFAT + rootDirSectors
	totalSectors := dataStart + totalClusters*sectorsPerCluster

	img := make([]byte, totalSectors*blkdev.BlockSize)
	writeBoot(img, uint16(rootEntries), sectorsPerFAT, totalSectors)
	writeFAT(img[reservedSectors*blkdev.BlockSize:], root)
	writeDirEntries(img[uint32(reservedSectors+numFATs*sectorsPerFAT)*blkdev.BlockSize:], root.children)
	for _, c := range root.children {
		writeNodeData(img, c, dataStart)
	}

	if err := os.WriteFile(outPath, img, 0644); err != nil {
		fmt.Printf("error writing %q: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d sectors, %d files/dirs, %d data clusters\n", outPath, totalSectors, countNodes(root), totalClusters)
}

// walk builds the in-memory tree for skelDir's contents. The returned
// node represents the root directory itself (its own name is unused).
func walk(skelDir string) (*node, error) {
	root := &node{isDir: true}
	entries, err := os.ReadDir(skelDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		child, err := walkEntry(filepath.Join(skelDir, e.Name()), e)
		if err != nil {
			return nil, err
		}
		root.children = append(root.children, child)
	}
	return root, nil
}

func walkEntry(path string, e os.DirEntry) (*node, error) {
	n := &node{shortName: shortName(e.Name()), isDir: e.IsDir()}
	if e.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, c := range entries {
			child, err := walkEntry(filepath.Join(path, c.Name()), c)
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, child)
		}
		return n, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n.data = data
	return n, nil
}

// assignClusters walks the tree depth-first, minting sequential cluster
// numbers for every directory's own storage and every file's content.
// The outer root directory is excluded: it lives in the fixed root region.
func assignClusters(n *node, next *uint32) {
	for _, c := range n.children {
		size := len(c.data)
		if c.isDir {
			size = len(c.children) * dirEntrySize
		}
		nclusters := (size + bytesPerCluster - 1) / bytesPerCluster
		if c.isDir && nclusters == 0 {
			nclusters = 1
		}
		c.clusters = make([]uint32, nclusters)
		for i := range c.clusters {
			c.clusters[i] = *next
			*next++
		}
		if c.isDir {
			assignClusters(c, next)
		}
	}
}

func countNodes(n *node) int {
	total := 0
	for _, c := range n.children {
		total++
		if c.isDir {
			total += countNodes(c)
		}
	}
	return total
}

// fatSectors computes how many 512-byte sectors are needed to hold
// totalClusters+2 reserved/data FAT12 entries, 1.5 bytes each.
func fatSectors(totalClusters uint32) uint32 {
	entries := totalClusters + 2
	bytesNeeded := (entries*3 + 1) / 2
	return (bytesNeeded + blkdev.BlockSize - 1) / blkdev.BlockSize
}

func roundUp16(n int) int {
	if n == 0 {
		return 16
	}
	return ((n + 15) / 16) * 16
}

func writeBoot(img []byte, rootEntries uint16, sectorsPerFAT, totalSectors uint32) {
	boot := img[:blkdev.BlockSize]
	putU16(boot[11:13], blkdev.BlockSize)
	boot[13] = sectorsPerCluster
	putU16(boot[14:16], 1) // reserved sectors
	boot[16] = 1           // num FATs
	putU16(boot[17:19], rootEntries)
	if totalSectors < 0x10000 {
		putU16(boot[19:21], uint16(totalSectors))
	} else {
		putU32(boot[32:36], totalSectors)
	}
	boot[21] = 0xF8 // media descriptor: fixed disk
	putU16(boot[22:24], uint16(sectorsPerFAT))
	boot[510] = 0x55
	boot[511] = 0xAA
}

// writeFAT lays out the 12-bit FAT chain for every node returned by
// assignClusters, terminating each chain with the end-of-chain marker.
func writeFAT(fat []byte, root *node) {
	setFatEntry(fat, 0, 0x0FF8)
	setFatEntry(fat, 1, 0x0FFF)
	var chain func(*node)
	chain = func(n *node) {
		for _, c := range n.children {
			for i, cl := range c.clusters {
				if i+1 < len(c.clusters) {
					setFatEntry(fat, int(cl), uint16(c.clusters[i+1]))
				} else {
					setFatEntry(fat, int(cl), 0x0FFF)
				}
			}
			if c.isDir {
				chain(c)
			}
		}
	}
	chain(root)
}

func setFatEntry(buf []byte, n int, val uint16) {
	off := n + n/2
	existing := uint16(buf[off]) | uint16(buf[off+1])<<8
	var word uint16
	if n%2 == 0 {
		word = (existing &^ 0x0FFF) | (val & 0x0FFF)
	} else {
		word = (existing &^ 0xF000) | ((val & 0x0FFF) << 4)
	}
	buf[off] = byte(word)
	buf[off+1] = byte(word >> 8)
}

// writeDirEntries serializes children into region (a pre-sized byte slice
// covering either the fixed root area or one directory's cluster run).
func writeDirEntries(region []byte, children []*node) {
	for i, c := range children {
		raw := region[i*dirEntrySize : (i+1)*dirEntrySize]
		for j := range raw {
			raw[j] = ' '
		}
		name, ext := split83(c.shortName)
		copy(raw[0:8], name)
		copy(raw[8:11], ext)
		if c.isDir {
			raw[11] = attrDirectory
		}
		firstCluster := uint16(0)
		if len(c.clusters) > 0 {
			firstCluster = uint16(c.clusters[0])
		}
		putU16(raw[26:28], firstCluster)
		size := uint32(len(c.data))
		if c.isDir {
			size = 0
		}
		putU32(raw[28:32], size)
	}
}

// writeNodeData recurses into c, writing file content or a nested
// directory's own entries into their assigned cluster regions.
func writeNodeData(img []byte, c *node, dataStart uint32) {
	if c.isDir {
		region := make([]byte, len(c.clusters)*bytesPerCluster)
		writeDirEntries(region, c.children)
		copyIntoClusters(img, c.clusters, region, dataStart)
		for _, gc := range c.children {
			writeNodeData(img, gc, dataStart)
		}
		return
	}
	copyIntoClusters(img, c.clusters, c.data, dataStart)
}

func copyIntoClusters(img []byte, clusters []uint32, data []byte, dataStart uint32) {
	for i, cl := range clusters {
		sector := dataStart + (cl-2)*sectorsPerCluster
		off := int(sector) * blkdev.BlockSize
		start := i * bytesPerCluster
		end := start + bytesPerCluster
		if start >= len(data) {
			break
		}
		if end > len(data) {
			end = len(data)
		}
		copy(img[off:], data[start:end])
	}
}

// shortName normalizes a host filename to the characters the FAT driver's
// decodeShortName will reconstruct; lossy by design (8.3 has no long-name
// story, matching spec.md §4.9's LFN-skipping behavior).
func shortName(host string) string {
	return strings.ToUpper(host)
}

func split83(name string) (base, ext string) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		base = name
	} else {
		base, ext = name[:dot], name[dot+1:]
	}
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	return base, ext
}

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
