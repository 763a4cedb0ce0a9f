package pipeline

import (
	"context"
	"image"

	"sdgen/device"
	"sdgen/modelspec"
	"sdgen/sched"
)

// Pipeline is the runtime seam. The reference runtime (default build)
// executes the owned sampler loop over a synthetic latent field; the native
// runtime (build tag "sd") binds stable-diffusion.cpp. Implementations are
// single-use: one job, then Close.
type Pipeline interface {
	// SchedulerConfig returns the pipeline's current scheduler
	// configuration, inherited by a replacement scheduler.
	SchedulerConfig() sched.Config
	// SetScheduler binds the resolved scheduler to the pipeline.
	SetScheduler(res *sched.Resolution)
	// Place moves the pipeline onto the backend at the given precision.
	Place(backend device.Backend, precision device.Precision) error
	// EnableSequentialOffload streams submodules to the device on demand.
	EnableSequentialOffload()
	// EnableModelOffload keeps submodules on the CPU between uses.
	EnableModelOffload()
	// EnableAttentionSlicing chunks attention to bound peak memory.
	EnableAttentionSlicing()
	// SetGeneratorDevice pins the random-state object to a backend. Offloaded
	// pipelines need it on the CPU even while compute runs elsewhere.
	SetGeneratorDevice(backend device.Backend)

	LoadAdapter(path, name string) error
	SetAdapterWeights(names []string, weights []float64) error

	Generate(ctx context.Context, job Job) ([]image.Image, error)
	Close() error
}

// Loader constructs a pipeline for a resolved model descriptor.
type Loader interface {
	Load(desc *modelspec.Descriptor, profile device.Profile) (Pipeline, error)
}
