// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// accelcheck exercises the compute primitives on a device, comparing the device results with the
// host implementations, and optionally benchmarks them.
//
// Usage:
//
//	accelcheck -device=cuda:0 -dtype=float32 -size=65536 -bench=100
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/accel/compute"
	_ "github.com/gomlx/accel/devices/default"
	"github.com/gomlx/accel/types/elements"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "", "Device configuration, in the format \"<driver>:<ordinal>\". "+
		"If empty, $ACCEL_DEVICE or the first registered driver is used.")
	flagDType = flag.String("dtype", "float32", "Element type: float32 or float64.")
	flagSize  = flag.Int("size", 1<<16, "Number of elements of the vectors used in the checks. "+
		"Matrices are square, with about the same number of elements.")
	flagBench = flag.Int("bench", 0, "Number of iterations of the benchmark loop. 0 disables it.")
	flagSeed  = flag.Uint64("seed", 42, "Seed for the random values of the checks.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagSize <= 0 {
		klog.Exitf("-size must be positive, got %d", *flagSize)
	}
	switch *flagDType {
	case "float32":
		run[float32](1e-3)
	case "float64":
		run[float64](1e-9)
	default:
		klog.Exitf("invalid -dtype=%q, it must be float32 or float64", *flagDType)
	}
}

func run[T elements.Type](tolerance float64) {
	backend := must.M1(compute.New[T](compute.Config{Device: *flagDevice}))
	defer backend.Finalize()

	side := max(int(math.Sqrt(float64(*flagSize))), 1)
	fmt.Println(titleStyle.Render("Device"))
	summary := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	summary.Row("device", backend.Context().Description())
	summary.Row("dtype", backend.Descriptor().DType.String())
	summary.Row("routines", humanize.Comma(int64(len(backend.Routines()))))
	summary.Row("vectors", fmt.Sprintf("%s elements (%s)", humanize.Comma(int64(*flagSize)),
		humanize.Bytes(uint64(backend.Descriptor().Bytes(*flagSize)))))
	summary.Row("matrices", fmt.Sprintf("%d x %d", side, side))
	fmt.Println(summary.Render())

	fmt.Println(titleStyle.Render("Self-check: device vs host"))
	report := newPlainTableWithReds(true, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	report.Table.Headers("Primitive", "Max relative error", "Result")
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed+1))
	var failures int
	for _, c := range newChecks[T](rng, *flagSize, side) {
		result := runCheck(backend, c, tolerance)
		if !result.ok {
			failures++
		}
		report.Row(!result.ok, c.name, result.errorString(), result.message)
	}
	fmt.Println(report.Table.Render())

	if *flagBench > 0 {
		benchmark(backend, rng, *flagSize, side, *flagBench)
	}
	if failures > 0 {
		klog.Exitf("%d primitives failed on %s", failures, backend)
	}
}

// benchmark runs iterations of a mix of primitives, updating a progress bar.
func benchmark[T elements.Type](backend *compute.Backend[T], rng *rand.Rand, size, side, iterations int) {
	fmt.Println(titleStyle.Render("Benchmark"))
	x := backend.FromData(randomValues[T](rng, size))
	y := backend.FromData(randomValues[T](rng, size))
	a := backend.ViewFromData(randomValues[T](rng, side*side), side, side)
	defer func() {
		x.Finalize()
		y.Finalize()
		a.Finalize()
	}()

	bar := progressbar.NewOptions(iterations,
		progressbar.OptionSetDescription("accelcheck"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("it"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	start := time.Now()
	for range iterations {
		sum := backend.Add(x, y)
		prod := backend.MatMul(a, a)
		_ = backend.Sum(sum)
		sum.Finalize()
		prod.Finalize()
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	elapsed := time.Since(start)

	// Bytes read and written by device memory per iteration: Add (3 vectors), MatMul (3 matrices) and Sum (1 vector).
	bytesPerIteration := backend.Descriptor().Bytes(4*size + 3*side*side)
	perSecond := float64(bytesPerIteration) * float64(iterations) / elapsed.Seconds()
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("iterations", humanize.Comma(int64(iterations)))
	table.Row("matrix", fmt.Sprintf("%s, %s", a.Shape(), humanize.Bytes(uint64(a.Shape().Memory()))))
	table.Row("elapsed", elapsed.String())
	table.Row("per iteration", (elapsed / time.Duration(iterations)).String())
	table.Row("memory throughput", humanize.Bytes(uint64(perSecond))+"/s")
	stats := backend.CacheStats()
	table.Row("cache hits / misses", fmt.Sprintf("%s / %s", humanize.Comma(int64(stats.Hits)), humanize.Comma(int64(stats.Misses))))
	table.Row("live device memory", humanize.Bytes(uint64(stats.LiveBytes)))
	fmt.Println(table.Render())
}
