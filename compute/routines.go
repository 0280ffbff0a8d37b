// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	_ "embed"
	"slices"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ThreadsPerBlock used by the elementwise and reduction routines.
const ThreadsPerBlock = 256

// kernelSource is the CUDA C source of the routine catalog.
//
//go:embed kernels.cu
var kernelSource string

// routineDef describes one routine of the catalog.
type routineDef struct {
	name  string
	arity int
}

// catalog of routines every device module must provide.
var catalog = []routineDef{
	{"Sub_V_S", 4},
	{"Sub_S_V", 4},
	{"Add_V_S", 4},
	{"Add_V_V", 4},
	{"Mul_Had_V_V", 4},
	{"Div_S_V", 4},
	{"Div_V_V", 4},
	{"Exp_V", 3},
	{"Log_V", 3},
	{"Sqrt_V", 3},
	{"Sign_V", 3},
	{"Rel_V", 3},
	{"Sigmoid_V", 3},
	{"Sum_V", 3},
	{"Softmax_Rowwise_M", 6},
	{"Softmax_Rowwise_M_Backward", 7},
}

// CatalogNames returns the names of the routines of the catalog.
func CatalogNames() []string {
	names := make([]string, len(catalog))
	for i, def := range catalog {
		names[i] = def.name
	}
	return names
}

// routine loaded from the device module.
type routine struct {
	def      routineDef
	fn       devices.Function
	launches int
}

// routineTable holds the catalog routines loaded on a device context, for one element type.
type routineTable struct {
	ctx      devices.Context
	module   devices.Module
	routines map[string]*routine
}

// newRoutineTable loads the catalog in a single module. Any missing routine is an ErrCatalog error.
func newRoutineTable(ctx devices.Context, desc elements.Descriptor) (*routineTable, error) {
	module, err := ctx.LoadModule(devices.ModuleSource{
		Name:    "accel_" + desc.DType.String(),
		DType:   desc.DType,
		Code:    kernelSource,
		Entries: CatalogNames(),
	})
	if err != nil {
		return nil, errors.Wrapf(ErrCatalog, "loading routines on %s:%d: %v", ctx.Name(), ctx.Ordinal(), err)
	}
	t := &routineTable{
		ctx:      ctx,
		module:   module,
		routines: make(map[string]*routine, len(catalog)),
	}
	for _, def := range catalog {
		fn, err := module.Function(def.name)
		if err != nil {
			module.Finalize()
			return nil, errors.Wrapf(ErrCatalog, "routine %q missing: %v", def.name, err)
		}
		t.routines[def.name] = &routine{def: def, fn: fn}
	}
	klog.V(1).Infof("compute: loaded %d routines for %s on %s:%d", len(t.routines), desc.DType, ctx.Name(), ctx.Ordinal())
	return t, nil
}

// lookup returns the named routine, checking the number of arguments.
func (t *routineTable) lookup(name string, args []any) *routine {
	r, found := t.routines[name]
	if !found {
		panicf(ErrCatalog, "unknown routine %q", name)
	}
	if len(args) != r.def.arity {
		panicf(ErrCatalog, "routine %q takes %d arguments, %d given", name, r.def.arity, len(args))
	}
	return r
}

// numBlocks returns ceil(n/threadsPerBlock).
func numBlocks(n, threadsPerBlock int) int {
	return (n + threadsPerBlock - 1) / threadsPerBlock
}

// dispatch launches the named routine over n elements, with ThreadsPerBlock threads per block and
// ceil(n/ThreadsPerBlock) blocks. It's a no-op for n == 0.
func (t *routineTable) dispatch(name string, n, sharedBytes int, args ...any) {
	if n == 0 {
		t.lookup(name, args)
		return
	}
	t.launch(name, numBlocks(n, ThreadsPerBlock), ThreadsPerBlock, sharedBytes, args)
}

// dispatchRows launches the named routine with one block of the given number of threads per row.
func (t *routineTable) dispatchRows(name string, rows, threads, sharedBytes int, args ...any) {
	if rows == 0 {
		t.lookup(name, args)
		return
	}
	t.launch(name, rows, threads, sharedBytes, args)
}

func (t *routineTable) launch(name string, blocks, threads, sharedBytes int, args []any) {
	r := t.lookup(name, args)
	cfg := devices.LaunchConfig{
		Grid:           devices.Dim3{X: blocks},
		Block:          devices.Dim3{X: threads},
		SharedMemBytes: sharedBytes,
	}
	if err := r.fn.Launch(cfg, args...); err != nil {
		panicf(ErrDevice, "launching %q with %d blocks of %d threads: %v", name, blocks, threads, err)
	}
	r.launches++
}

// Launches returns the number of launches of each routine.
func (t *routineTable) Launches() map[string]int {
	launches := make(map[string]int, len(t.routines))
	for name, r := range t.routines {
		launches[name] = r.launches
	}
	return launches
}

// names returns the sorted names of the loaded routines.
func (t *routineTable) names() []string {
	names := make([]string, 0, len(t.routines))
	for name := range t.routines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (t *routineTable) finalize() {
	if t.module != nil {
		t.module.Finalize()
		t.module = nil
	}
}
