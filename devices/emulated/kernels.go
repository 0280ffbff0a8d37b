// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emulated

import (
	"math"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Minimum work of each parallel task of a launch: elements for the elementwise routines, blocks (or rows)
// for the others.
const (
	elementsPerTask = 16 * 1024
	blocksPerTask   = 8
)

// kernelFn is the Go implementation of a device routine. It is called with the context locked.
// Blocks of the grid are independent, and may run in parallel on the context's worker pool.
type kernelFn func(ctx *Context, cfg devices.LaunchConfig, args []any) error

// kernelsFor returns the Go implementation of the routines, for the element type T.
// The names and the arguments match the CUDA source of the compute package.
func kernelsFor[T elements.Type]() map[string]kernelFn {
	return map[string]kernelFn{
		"Add_V_S": vectorScalarKernel(func(x, s T) T { return x + s }),
		"Sub_V_S": vectorScalarKernel(func(x, s T) T { return x - s }),
		"Sub_S_V": scalarVectorKernel(func(s, x T) T { return s - x }),
		"Div_S_V": scalarVectorKernel(func(s, x T) T { return s / x }),

		"Add_V_V":     vectorVectorKernel(func(a, b T) T { return a + b }),
		"Mul_Had_V_V": vectorVectorKernel(func(a, b T) T { return a * b }),
		"Div_V_V":     vectorVectorKernel(func(a, b T) T { return a / b }),

		"Exp_V":  unaryKernel(func(x T) T { return T(math.Exp(float64(x))) }),
		"Log_V":  unaryKernel(func(x T) T { return T(math.Log(float64(x))) }),
		"Sqrt_V": unaryKernel(func(x T) T { return T(math.Sqrt(float64(x))) }),
		"Sign_V": unaryKernel(func(x T) T {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			}
			return 0
		}),
		"Rel_V": unaryKernel(func(x T) T {
			if x > 0 {
				return x
			}
			return 0
		}),
		"Sigmoid_V": unaryKernel(func(x T) T { return T(1 / (1 + math.Exp(-float64(x)))) }),

		"Sum_V":                      sumKernel[T],
		"Softmax_Rowwise_M":          softmaxRowwiseKernel[T],
		"Softmax_Rowwise_M_Backward": softmaxRowwiseBackwardKernel[T],
	}
}

// kernelsForDType returns the routines for the given dtype.
func kernelsForDType(dtype dtypes.DType) (map[string]kernelFn, error) {
	switch dtype {
	case dtypes.Float32:
		return kernelsFor[float32](), nil
	case dtypes.Float64:
		return kernelsFor[float64](), nil
	}
	return nil, errors.Errorf("emulated device doesn't support routines for dtype %s", dtype)
}

// Argument decoding.

func checkArity(args []any, arity int) error {
	if len(args) != arity {
		return errors.Errorf("expected %d arguments, got %d", arity, len(args))
	}
	return nil
}

func argInt(args []any, idx int) (int, error) {
	v, ok := args[idx].(int32)
	if !ok {
		return 0, errors.Errorf("argument #%d must be an int32, got %T", idx, args[idx])
	}
	if v < 0 {
		return 0, errors.Errorf("argument #%d must be non-negative, got %d", idx, v)
	}
	return int(v), nil
}

func argScalar[T elements.Type](args []any, idx int) (T, error) {
	v, ok := args[idx].(T)
	if !ok {
		var zero T
		return zero, errors.Errorf("argument #%d must be a %T, got %T", idx, zero, args[idx])
	}
	return v, nil
}

func argView[T elements.Type](ctx *Context, args []any, idx, n int) ([]T, error) {
	ptr, ok := args[idx].(devices.Ptr)
	if !ok {
		return nil, errors.Errorf("argument #%d must be a devices.Ptr, got %T", idx, args[idx])
	}
	flat, err := view[T](ctx, ptr, n)
	if err != nil {
		return nil, errors.WithMessagef(err, "argument #%d", idx)
	}
	return flat, nil
}

// launchedThreads is the number of threads launched in a 1D grid.
func launchedThreads(cfg devices.LaunchConfig) int {
	return cfg.Grid.Size() * cfg.Block.Size()
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// checkReductionBlock verifies the block and shared memory configuration required by block reductions:
// a power-of-2 block size and one element of shared memory per thread.
func checkReductionBlock[T elements.Type](cfg devices.LaunchConfig) error {
	threads := cfg.Block.Size()
	if !isPowerOfTwo(threads) {
		return errors.Errorf("block reduction requires a power of 2 number of threads per block, got %d", threads)
	}
	if threads > MaxThreadsPerBlock {
		return errors.Errorf("%d threads per block exceeds the maximum of %d", threads, MaxThreadsPerBlock)
	}
	if need := elements.Of[T]().Bytes(threads); cfg.SharedMemBytes < need {
		return errors.Errorf("block reduction with %d threads requires %d bytes of shared memory, launched with %d",
			threads, need, cfg.SharedMemBytes)
	}
	return nil
}

// vectorScalarKernel implements routines with arguments (n, x, s, y): y[i] = op(x[i], s).
func vectorScalarKernel[T elements.Type](op func(x, s T) T) kernelFn {
	return func(ctx *Context, cfg devices.LaunchConfig, args []any) error {
		if err := checkArity(args, 4); err != nil {
			return err
		}
		n, err := argInt(args, 0)
		if err != nil {
			return err
		}
		x, err := argView[T](ctx, args, 1, n)
		if err != nil {
			return err
		}
		s, err := argScalar[T](args, 2)
		if err != nil {
			return err
		}
		y, err := argView[T](ctx, args, 3, n)
		if err != nil {
			return err
		}
		ctx.pool.ParallelFor(min(n, launchedThreads(cfg)), elementsPerTask, func(start, end int) {
			for i := start; i < end; i++ {
				y[i] = op(x[i], s)
			}
		})
		return nil
	}
}

// scalarVectorKernel implements routines with arguments (n, s, x, y): y[i] = op(s, x[i]).
func scalarVectorKernel[T elements.Type](op func(s, x T) T) kernelFn {
	return func(ctx *Context, cfg devices.LaunchConfig, args []any) error {
		if err := checkArity(args, 4); err != nil {
			return err
		}
		n, err := argInt(args, 0)
		if err != nil {
			return err
		}
		s, err := argScalar[T](args, 1)
		if err != nil {
			return err
		}
		x, err := argView[T](ctx, args, 2, n)
		if err != nil {
			return err
		}
		y, err := argView[T](ctx, args, 3, n)
		if err != nil {
			return err
		}
		ctx.pool.ParallelFor(min(n, launchedThreads(cfg)), elementsPerTask, func(start, end int) {
			for i := start; i < end; i++ {
				y[i] = op(s, x[i])
			}
		})
		return nil
	}
}

// vectorVectorKernel implements routines with arguments (n, a, b, y): y[i] = op(a[i], b[i]).
func vectorVectorKernel[T elements.Type](op func(a, b T) T) kernelFn {
	return func(ctx *Context, cfg devices.LaunchConfig, args []any) error {
		if err := checkArity(args, 4); err != nil {
			return err
		}
		n, err := argInt(args, 0)
		if err != nil {
			return err
		}
		a, err := argView[T](ctx, args, 1, n)
		if err != nil {
			return err
		}
		b, err := argView[T](ctx, args, 2, n)
		if err != nil {
			return err
		}
		y, err := argView[T](ctx, args, 3, n)
		if err != nil {
			return err
		}
		ctx.pool.ParallelFor(min(n, launchedThreads(cfg)), elementsPerTask, func(start, end int) {
			for i := start; i < end; i++ {
				y[i] = op(a[i], b[i])
			}
		})
		return nil
	}
}

// unaryKernel implements routines with arguments (n, x, y): y[i] = op(x[i]).
func unaryKernel[T elements.Type](op func(x T) T) kernelFn {
	return func(ctx *Context, cfg devices.LaunchConfig, args []any) error {
		if err := checkArity(args, 3); err != nil {
			return err
		}
		n, err := argInt(args, 0)
		if err != nil {
			return err
		}
		x, err := argView[T](ctx, args, 1, n)
		if err != nil {
			return err
		}
		y, err := argView[T](ctx, args, 2, n)
		if err != nil {
			return err
		}
		ctx.pool.ParallelFor(min(n, launchedThreads(cfg)), elementsPerTask, func(start, end int) {
			for i := start; i < end; i++ {
				y[i] = op(x[i])
			}
		})
		return nil
	}
}

// sumKernel implements Sum_V(n, x, partial): each block writes the sum of its blockDim elements to partial[blockIdx].
func sumKernel[T elements.Type](ctx *Context, cfg devices.LaunchConfig, args []any) error {
	if err := checkArity(args, 3); err != nil {
		return err
	}
	if err := checkReductionBlock[T](cfg); err != nil {
		return err
	}
	n, err := argInt(args, 0)
	if err != nil {
		return err
	}
	x, err := argView[T](ctx, args, 1, n)
	if err != nil {
		return err
	}
	numBlocks := cfg.Grid.Size()
	partial, err := argView[T](ctx, args, 2, numBlocks)
	if err != nil {
		return err
	}
	blockDim := cfg.Block.Size()
	ctx.pool.ParallelFor(numBlocks, blocksPerTask, func(start, end int) {
		shared := make([]T, blockDim)
		for block := start; block < end; block++ {
			for tid := range blockDim {
				idx := block*blockDim + tid
				if idx < n {
					shared[tid] = x[idx]
				} else {
					shared[tid] = 0
				}
			}
			treeReduce(shared)
			partial[block] = shared[0]
		}
	})
	return nil
}

// treeReduce sums shared in place, in the same order a block-level reduction on the device would.
// len(shared) must be a power of 2.
func treeReduce[T elements.Type](shared []T) {
	for stride := len(shared) / 2; stride > 0; stride >>= 1 {
		for tid := range stride {
			shared[tid] += shared[tid+stride]
		}
	}
}

// softmaxRowwiseKernel implements Softmax_Rowwise_M(rows, cols, x, maxs, y, sums), one block per row:
//
//	y[r, j] = exp(x[r, j] - maxs[r]) / sums[r], with sums[r] = Σ_j exp(x[r, j] - maxs[r])
func softmaxRowwiseKernel[T elements.Type](ctx *Context, cfg devices.LaunchConfig, args []any) error {
	if err := checkArity(args, 6); err != nil {
		return err
	}
	if err := checkReductionBlock[T](cfg); err != nil {
		return err
	}
	rows, err := argInt(args, 0)
	if err != nil {
		return err
	}
	cols, err := argInt(args, 1)
	if err != nil {
		return err
	}
	x, err := argView[T](ctx, args, 2, rows*cols)
	if err != nil {
		return err
	}
	maxs, err := argView[T](ctx, args, 3, rows)
	if err != nil {
		return err
	}
	y, err := argView[T](ctx, args, 4, rows*cols)
	if err != nil {
		return err
	}
	sums, err := argView[T](ctx, args, 5, rows)
	if err != nil {
		return err
	}
	blockDim := cfg.Block.Size()
	ctx.pool.ParallelFor(min(rows, cfg.Grid.Size()), blocksPerTask, func(start, end int) {
		shared := make([]T, blockDim)
		for row := start; row < end; row++ {
			xRow, yRow := x[row*cols:(row+1)*cols], y[row*cols:(row+1)*cols]
			clear(shared)
			for j := range cols {
				e := T(math.Exp(float64(xRow[j] - maxs[row])))
				yRow[j] = e
				shared[j%blockDim] += e
			}
			treeReduce(shared)
			total := shared[0]
			for j := range cols {
				yRow[j] /= total
			}
			sums[row] = total
		}
	})
	return nil
}

// softmaxRowwiseBackwardKernel implements Softmax_Rowwise_M_Backward(rows, cols, x, maxs, sums, adj, grad),
// one block per row:
//
//	y = exp(x[r, :] - maxs[r]) / sums[r]
//	grad[r, :] = y * (adj[r, :] - <adj[r, :], y>)
func softmaxRowwiseBackwardKernel[T elements.Type](ctx *Context, cfg devices.LaunchConfig, args []any) error {
	if err := checkArity(args, 7); err != nil {
		return err
	}
	if err := checkReductionBlock[T](cfg); err != nil {
		return err
	}
	rows, err := argInt(args, 0)
	if err != nil {
		return err
	}
	cols, err := argInt(args, 1)
	if err != nil {
		return err
	}
	x, err := argView[T](ctx, args, 2, rows*cols)
	if err != nil {
		return err
	}
	maxs, err := argView[T](ctx, args, 3, rows)
	if err != nil {
		return err
	}
	sums, err := argView[T](ctx, args, 4, rows)
	if err != nil {
		return err
	}
	adj, err := argView[T](ctx, args, 5, rows*cols)
	if err != nil {
		return err
	}
	grad, err := argView[T](ctx, args, 6, rows*cols)
	if err != nil {
		return err
	}
	blockDim := cfg.Block.Size()
	ctx.pool.ParallelFor(min(rows, cfg.Grid.Size()), blocksPerTask, func(start, end int) {
		shared := make([]T, blockDim)
		for row := start; row < end; row++ {
			xRow := x[row*cols : (row+1)*cols]
			adjRow, gradRow := adj[row*cols:(row+1)*cols], grad[row*cols:(row+1)*cols]
			clear(shared)
			for j := range cols {
				y := T(math.Exp(float64(xRow[j]-maxs[row]))) / sums[row]
				gradRow[j] = y
				shared[j%blockDim] += adjRow[j] * y
			}
			treeReduce(shared)
			dot := shared[0]
			for j := range cols {
				gradRow[j] *= adjRow[j] - dot
			}
		}
	})
	return nil
}
