// Command enginejit-trace is a minimal smoke-test binary: it initializes the
// engine, traces a small add-reduce program over a literal vector, evaluates
// it, and prints the scalar result. It exists to exercise engine.Init/trace/
// eval end to end from the command line, not as a feature surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/engine"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/parallel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

var (
	flagValues = flag.String("values", "1,2,3,4,5", "Comma-separated u32 values to reduce.")
	flagAccel  = flag.Bool("accel", false, "Also enable the accel backend (a simulated device).")
)

func main() {
	flag.Parse()

	values, err := parseValues(*flagValues)
	if err != nil {
		klog.Errorf("enginejit-trace: %v. See 'enginejit-trace -help'.", err)
		os.Exit(1)
	}

	if err := engine.Init(true, *flagAccel); err != nil {
		klog.Errorf("enginejit-trace: init: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Shutdown(false); err != nil {
			klog.Errorf("enginejit-trace: shutdown: %v", err)
		}
	}()

	e := engine.Default()
	id, err := registerVector(e, values)
	if err != nil {
		klog.Errorf("enginejit-trace: register: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := e.DecRefExt(id); err != nil {
			klog.Warningf("enginejit-trace: release: %v", err)
		}
	}()

	out, err := e.Reduce(context.Background(), parallel.OpAdd, id)
	if err != nil {
		klog.Errorf("enginejit-trace: reduce: %v", err)
		os.Exit(1)
	}
	sum := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24
	fmt.Printf("sum(%v) = %d\n", values, sum)
}

func parseValues(csv string) ([]uint32, error) {
	parts := strings.Split(csv, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid -values entry %q: %w", p, err)
		}
		out = append(out, uint32(n))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("-values must list at least one u32")
	}
	return out, nil
}

func registerVector(e *engine.Engine, values []uint32) (ir.ID, error) {
	blk, err := e.Pool().Alloc(pool.Host, len(values)*4)
	if err != nil {
		return 0, err
	}
	data := blk.Data()
	for i, v := range values {
		data[i*4] = byte(v)
		data[i*4+1] = byte(v >> 8)
		data[i*4+2] = byte(v >> 16)
		data[i*4+3] = byte(v >> 24)
	}
	id := e.RegisterExternal(dtype.U32, blk, uint64(len(values)), true, stream.CPU)
	if err := e.IncRefExt(id); err != nil {
		return 0, err
	}
	return id, nil
}
