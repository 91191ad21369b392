// Command profdump renders a sample dump captured from the kernel's PROF
// device (defs.D_PROF) as a pprof profile.proto file, so it can be
// inspected with `go tool pprof` or `pprof -http`.
//
// The kernel side never links against pprof: it only ever appends raw
// {pc, ticks} pairs to a kstat.ProfRing and exposes the encoded stream
// through the PROF device. This tool is where the dependency lives.
package main

import (
	"fmt"
	"os"

	"github.com/google/pprof/profile"

	"goos32/kstat"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Printf("usage: %s <prof-dump-in> <profile.pb.gz-out>\n", os.Args[0])
		os.Exit(1)
	}
	inPath, outPath := os.Args[1], os.Args[2]

	in, err := os.Open(inPath)
	if err != nil {
		fmt.Printf("opening %q: %v\n", inPath, err)
		os.Exit(1)
	}
	defer in.Close()

	samples, err := kstat.DecodeProf(in)
	if err != nil {
		fmt.Printf("decoding %q: %v\n", inPath, err)
		os.Exit(1)
	}

	p := toProfile(samples)
	if err := p.CheckValid(); err != nil {
		fmt.Printf("built an invalid profile: %v\n", err)
		os.Exit(1)
	}

	out, err := os.Create(outPath)
	if err != nil {
		fmt.Printf("creating %q: %v\n", outPath, err)
		os.Exit(1)
	}
	defer out.Close()
	if err := p.Write(out); err != nil {
		fmt.Printf("writing %q: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d samples\n", outPath, len(samples))
}

// toProfile maps each distinct PC to a pprof Location/Function pair named
// by its address (the kernel image carries no embedded symbol table for
// this tool to resolve against) and one Sample per recorded entry.
func toProfile(samples []kstat.ProfSample) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "tick", Unit: "count"},
		Period:     1,
	}

	locByPC := make(map[uint32]*profile.Location)
	nextID := uint64(1)
	locFor := func(pc uint32) *profile.Location {
		if loc, ok := locByPC[pc]; ok {
			return loc
		}
		fn := &profile.Function{
			ID:         nextID,
			Name:       fmt.Sprintf("pc_0x%08x", pc),
			SystemName: fmt.Sprintf("pc_0x%08x", pc),
		}
		nextID++
		loc := &profile.Location{
			ID:      nextID,
			Address: uint64(pc),
			Line:    []profile.Line{{Function: fn}},
		}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		locByPC[pc] = loc
		return loc
	}

	for _, s := range samples {
		loc := locFor(s.PC)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(s.Ticks)},
		})
	}
	return p
}
