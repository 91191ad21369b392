package vfs

import (
	"hash/fnv"
	"sync"
)

// cacheEntry is one chained node in a bucket, mirroring the teacher's
// hashtable.elem_t shape (key, value, hash, next).
type cacheEntry struct {
	key   string
	inode *Inode_t
	hash  uint32
	next  *cacheEntry
}

type cacheBucket struct {
	sync.RWMutex
	first *cacheEntry
}

// DentryCache_t is a lock-striped chained hash table from canonical path
// to inode, adapted wholesale from hashtable/hashtable.go's Hashtable_t —
// an otherwise dependency-free teacher package with no consumer anywhere
// else in the retrieved tree — keyed here by string path instead of the
// teacher's interface{} key (SPEC_FULL.md §3 "Dentry/inode cache").
type DentryCache_t struct {
	buckets []*cacheBucket
}

// MkDentryCache allocates a cache with the given bucket count.
func MkDentryCache(nbuckets int) *DentryCache_t {
	c := &DentryCache_t{buckets: make([]*cacheBucket, nbuckets)}
	for i := range c.buckets {
		c.buckets[i] = &cacheBucket{}
	}
	return c
}

func hashPath(p string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(p))
	return h.Sum32()
}

func (c *DentryCache_t) bucket(h uint32) *cacheBucket {
	return c.buckets[h%uint32(len(c.buckets))]
}

// Get returns the cached inode for path, if present.
func (c *DentryCache_t) Get(path string) (*Inode_t, bool) {
	h := hashPath(path)
	b := c.bucket(h)
	b.RLock()
	defer b.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.hash == h && e.key == path {
			return e.inode, true
		}
	}
	return nil, false
}

// Set records path -> inode, replacing any previous entry.
func (c *DentryCache_t) Set(path string, inode *Inode_t) {
	h := hashPath(path)
	b := c.bucket(h)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.hash == h && e.key == path {
			e.inode = inode
			return
		}
	}
	b.first = &cacheEntry{key: path, inode: inode, hash: h, next: b.first}
}

// Del removes path from the cache, if present.
func (c *DentryCache_t) Del(path string) {
	h := hashPath(path)
	b := c.bucket(h)
	b.Lock()
	defer b.Unlock()
	var prev *cacheEntry
	for e := b.first; e != nil; e = e.next {
		if e.hash == h && e.key == path {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// Clear empties every bucket; used by Vfs_t.Unmount and
// Vfs_t.InvalidateMedia.
func (c *DentryCache_t) Clear() {
	for _, b := range c.buckets {
		b.Lock()
		b.first = nil
		b.Unlock()
	}
}
