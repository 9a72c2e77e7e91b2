// Command ksched-trace converts a captured sched.Trace ring buffer (dumped
// as a flat binary log of 24-byte records: Tid, Kind, Ticks) into a
// pprof-format profile, so scheduler dispatch/preemption latency can be
// inspected with `go tool pprof` (SPEC_FULL.md DOMAIN STACK: wires
// github.com/google/pprof/profile, carried over from the teacher's own
// go.mod require of github.com/google/pprof).
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/google/pprof/profile"
)

// record mirrors sched.Event's on-disk layout.
type record struct {
	Tid   int64
	Kind  int64
	Ticks uint64
}

func readRecords(path string) ([]record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	const recSize = 24
	if len(data)%recSize != 0 {
		return nil, fmt.Errorf("ksched-trace: trace file length %d not a multiple of %d", len(data), recSize)
	}
	recs := make([]record, len(data)/recSize)
	for i := range recs {
		b := data[i*recSize:]
		recs[i] = record{
			Tid:   int64(binary.LittleEndian.Uint64(b[0:8])),
			Kind:  int64(binary.LittleEndian.Uint64(b[8:16])),
			Ticks: binary.LittleEndian.Uint64(b[16:24]),
		}
	}
	return recs, nil
}

func main() {
	if len(os.Args) != 3 {
		fmt.Printf("%s <trace-file> <out.pprof>\n", os.Args[0])
		os.Exit(1)
	}
	recs, err := readRecords(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "dispatches", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "ticks", Unit: "count"},
		Period:     1,
	}
	fn := &profile.Function{ID: 1, Name: "scheduler_event"}
	p.Function = []*profile.Function{fn}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Location = []*profile.Location{loc}

	byTid := map[int64]int64{}
	for _, r := range recs {
		byTid[r.Tid]++
	}
	for tid, count := range byTid {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count},
			Label:    map[string][]string{"tid": {fmt.Sprint(tid)}},
		})
	}

	out, err := os.Create(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()
	if err := p.Write(out); err != nil {
		log.Fatal(err)
	}
}
