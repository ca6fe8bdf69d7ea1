// Package device selects the GoMLX backend the model runs on, and places tensors on it.
//
// Placement is a single step configured once (see New): all model variables live in the
// backend, and batch tensors are moved there with Place just before execution.
package device

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/sentigo/internal/generics"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"strings"
)

// AcceleratorBackend is the backend configuration used when an accelerator (GPU) is requested.
const AcceleratorBackend = "xla:cuda"

// CPUBackend is the backend configuration used when no accelerator is requested.
const CPUBackend = "xla:cpu"

// Device holds the backend all computation and tensors are placed on.
type Device struct {
	backend backends.Backend
	config  string
}

// New creates the backend for the configuration.
//
// If backendConfig is given, it takes precedence. Otherwise, gpu selects AcceleratorBackend, and the CPU
// backend is used if false.
func New(gpu bool, backendConfig string) (*Device, error) {
	config := backendConfig
	if config == "" {
		if gpu {
			config = AcceleratorBackend
		} else {
			config = CPUBackend
		}
	}
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.NewWithConfig(config) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", config)
	}
	d := &Device{backend: backend, config: config}
	klog.Infof("Backend %q: %s", config, backend.Description())
	if !d.IsAccelerator() {
		logCPU()
	}
	return d, nil
}

// FromBackend wraps an existing backend.
func FromBackend(backend backends.Backend) *Device {
	return &Device{backend: backend, config: backend.Name()}
}

// Backend returns the backend of the device.
func (d *Device) Backend() backends.Backend { return d.backend }

// String implements fmt.Stringer.
func (d *Device) String() string { return d.config }

// IsAccelerator returns whether the backend runs on an accelerator.
func (d *Device) IsAccelerator() bool {
	return strings.Contains(d.config, "cuda") || strings.Contains(d.config, "tpu")
}

// Place moves the tensor to the device, donating its buffer: t must not be used afterward.
// The returned value is to be given as an argument to an executor.
func (d *Device) Place(t *tensors.Tensor) any {
	return graph.DonateTensorBuffer(t, d.backend)
}

// PlaceAll calls Place on each tensor.
func (d *Device) PlaceAll(ts []*tensors.Tensor) []any {
	return generics.SliceMap(ts, d.Place)
}

// Finalize releases the backend.
func (d *Device) Finalize() {
	d.backend.Finalize()
}

// logCPU reports the CPU features relevant to the vectorized CPU backends.
func logCPU() {
	cpu := cpuid.CPU
	klog.Infof("CPU: %s, %d physical cores, %d logical cores", cpu.BrandName, cpu.PhysicalCores, cpu.LogicalCores)
	if !cpu.Supports(cpuid.AVX2) {
		klog.Warningf("CPU doesn't support AVX2: training on CPU will be slow")
	}
	klog.V(1).Infof("CPU AVX512 support: %v", cpu.Supports(cpuid.AVX512F, cpuid.AVX512DQ))
	klog.V(2).Infof("CPU features: %v", cpu.FeatureSet())
}
