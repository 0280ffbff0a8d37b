// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines the interface to accelerator drivers, used by the compute backends.
//
// A driver exposes a Context bound to one physical (or emulated) device: raw device memory,
// host<->device transfers, one loaded Module of compiled routines, and a BLAS handle.
//
// Drivers register themselves (usually in an `init()` function) with Register, and a Context is
// created with New or NewWithConfig. The configuration string has the format "<driver>:<ordinal>",
// e.g. "cuda:1" or "emulated:0". If the driver name is omitted, the first registered driver is used.
//
// To use a driver, import it anonymously, e.g.:
//
//	import _ "github.com/gomlx/accel/devices/emulated"
//
// Or import everything available with:
//
//	import _ "github.com/gomlx/accel/devices/default"
package devices

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Ptr is an address in device memory. 0 is the null pointer.
type Ptr uintptr

// ErrConfiguration is returned (wrapped) when a device cannot be created from the given configuration:
// unknown driver, invalid ordinal or missing native libraries.
var ErrConfiguration = errors.New("invalid device configuration")

// Context is a driver context bound to one device.
//
// Transfers are synchronous with respect to previously launched routines: CopyDtoH only returns after
// all pending work writing to the source has finished.
type Context interface {
	// Name of the driver, e.g.: "cuda".
	Name() string

	// Ordinal of the device within its driver.
	Ordinal() int

	// Description is a longer, human-readable description of the device.
	Description() string

	// Alloc allocates bytes of device memory. bytes must be > 0.
	Alloc(bytes int) (Ptr, error)

	// Free releases memory allocated with Alloc.
	Free(ptr Ptr) error

	// CopyHtoD copies len(src) bytes from host to device memory.
	CopyHtoD(dst Ptr, src []byte) error

	// CopyDtoH copies len(dst) bytes from device to host memory.
	CopyDtoH(dst []byte, src Ptr) error

	// CopyDtoD copies bytes between device allocations.
	CopyDtoD(dst, src Ptr, bytes int) error

	// LoadModule loads (compiling, if needed) the routines of a module.
	LoadModule(src ModuleSource) (Module, error)

	// BLAS returns the context's BLAS handle.
	BLAS() BLAS

	// MaxThreadsPerBlock supported by the device.
	MaxThreadsPerBlock() int

	// Synchronize blocks until all work submitted to the device has finished.
	Synchronize() error

	// Finalize releases the context. It's invalid to use it afterwards.
	Finalize()
}

// ModuleSource describes one module of routines for one element type.
type ModuleSource struct {
	// Name of the module, for error messages and logging.
	Name string

	// DType of the elements the routines operate on.
	DType dtypes.DType

	// Code is the CUDA C source of the routines. The element type is available to the source as the `REAL` macro.
	// Drivers that don't compile code (e.g. the emulated one) ignore it.
	Code string

	// Entries lists the names of the routines in the module.
	Entries []string
}

// Module of loaded routines.
type Module interface {
	// Function returns the routine with the given name.
	Function(name string) (Function, error)

	// Finalize unloads the module.
	Finalize()
}

// Dim3 are the dimensions of a grid of blocks or of a block of threads.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total number of blocks or threads.
func (d Dim3) Size() int { return max(d.X, 1) * max(d.Y, 1) * max(d.Z, 1) }

// LaunchConfig configures the launch of a routine.
type LaunchConfig struct {
	Grid, Block Dim3

	// SharedMemBytes is the dynamic shared memory available to each block.
	SharedMemBytes int
}

// Function is a routine that can be launched on the device.
//
// Arguments can be Ptr (device pointers), int32 or the element type (float32 or float64).
type Function interface {
	Name() string
	Launch(cfg LaunchConfig, args ...any) error
}

// Constructor of a Context for the given device ordinal.
type Constructor func(ordinal int) (Context, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a driver constructor under the given name.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the sorted names of the registered drivers.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the configuration used by New when ACCEL_DEVICE is not set.
var DefaultConfig string

// ACCEL_DEVICE is the environment variable with the default device configuration.
// It takes precedence over DefaultConfig.
const ACCEL_DEVICE = "ACCEL_DEVICE"

// New returns a Context for the default device:
//
//   - If ACCEL_DEVICE is set, use it as configuration.
//   - If DefaultConfig is set, use it.
//   - Otherwise use ordinal 0 of the first registered driver.
func New() (Context, error) {
	if config, found := os.LookupEnv(ACCEL_DEVICE); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig returns a Context for the device described by config, in the format "<driver>:<ordinal>".
// Both parts are optional: "cuda" is the same as "cuda:0", and "" is ordinal 0 of the first registered driver.
func NewWithConfig(config string) (Context, error) {
	driver, ordinal, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	muRegistry.Lock()
	if driver == "" {
		driver = firstRegistered
	}
	constructor, found := registeredConstructors[driver]
	numRegistered := len(registeredConstructors)
	muRegistry.Unlock()
	if numRegistered == 0 {
		return nil, errors.Wrapf(ErrConfiguration,
			`no registered device drivers -- maybe import the emulated one with import _ "github.com/gomlx/accel/devices/emulated"?`)
	}
	if !found {
		return nil, errors.Wrapf(ErrConfiguration, "can't find device driver %q for configuration %q, registered drivers: %v",
			driver, config, List())
	}
	ctx, err := constructor(ordinal)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating device %s:%d", driver, ordinal)
	}
	klog.V(1).Infof("devices: created context %s:%d (%s)", ctx.Name(), ctx.Ordinal(), ctx.Description())
	return ctx, nil
}

// ParseConfig splits a "<driver>:<ordinal>" configuration.
func ParseConfig(config string) (driver string, ordinal int, err error) {
	driver = config
	idx := strings.Index(config, ":")
	if idx == -1 {
		return
	}
	driver = config[:idx]
	ordinalStr := config[idx+1:]
	if ordinalStr == "" {
		return
	}
	ordinal, err = strconv.Atoi(ordinalStr)
	if err != nil || ordinal < 0 {
		return "", 0, errors.Wrapf(ErrConfiguration, "invalid device ordinal %q in configuration %q", ordinalStr, config)
	}
	return
}
