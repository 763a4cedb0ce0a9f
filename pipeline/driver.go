package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sdgen/core"
	"sdgen/device"
	"sdgen/logging"
	"sdgen/lora"
	"sdgen/modelspec"
	"sdgen/sched"
	"sdgen/weights"
)

// RunRecord is the history ledger entry for one generation run.
type RunRecord struct {
	CorrelationID  string
	ModelPath      string
	Family         string
	Backend        string
	Precision      string
	MemoryMode     string
	Scheduler      string
	Prompt         string
	NegativePrompt string
	Steps          int
	Guidance       float64
	Width          int
	Height         int
	Seed           int64
	ImageCount     int
	Mode           string
	Status         string
	ErrorMessage   string
	Duration       time.Duration
}

// Recorder persists run records. Recording is best-effort; implementations
// must not fail the request.
type Recorder interface {
	Record(rec RunRecord)
}

// Driver takes a request from validation through policy, placement and
// sampling to written images. One driver handles one request.
type Driver struct {
	Logger   *logging.Logger
	Config   core.Config
	Loader   Loader
	Prober   device.Prober
	Memory   device.MemoryReader
	Resolver *modelspec.Resolver
	Weights  *weights.Adapter
	Lora     *lora.Composer
	// Conditioner is the optional long-prompt weighting collaborator.
	Conditioner Conditioner
	// Recorder is the optional history ledger.
	Recorder Recorder
	Metrics  *logging.MetricsLogger
}

// NewDriver wires a driver with the default collaborators.
func NewDriver(logger *logging.Logger, cfg core.Config) *Driver {
	return &Driver{
		Logger:   logger,
		Config:   cfg,
		Loader:   NewLoader(logger),
		Prober:   device.NewSystemProber(),
		Memory:   device.SystemMemoryReader{},
		Resolver: modelspec.NewResolver(logger, cfg.PipelineAliasPath),
		Weights:  weights.NewAdapter(logger),
		Lora:     lora.NewComposer(logger),
		Metrics:  logging.NewMetricsLogger(logger),
	}
}

// Run executes the request and returns the result summary. The returned
// error is non-nil only for failures; the Result is always usable for
// emission.
func (d *Driver) Run(ctx context.Context, req Request) (*Result, error) {
	correlationID := uuid.NewString()
	logger := d.Logger.With(zap.String("correlation_id", correlationID))
	start := time.Now()

	result, record, err := d.run(ctx, req, logger)
	record.CorrelationID = correlationID
	record.Duration = time.Since(start)
	if err != nil {
		record.Status = "failed"
		record.ErrorMessage = err.Error()
	} else {
		record.Status = "succeeded"
	}
	if d.Recorder != nil {
		d.Recorder.Record(record)
	}
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return result, nil
}

func (d *Driver) run(ctx context.Context, req Request, logger *logging.Logger) (*Result, RunRecord, error) {
	record := RunRecord{
		ModelPath:      req.ModelPath,
		Scheduler:      req.Scheduler,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          req.Steps,
		Guidance:       req.Guidance,
		Width:          req.Width,
		Height:         req.Height,
		ImageCount:     req.Count,
		Mode:           "txt2img",
	}
	if req.InputImage != "" {
		record.Mode = "img2img"
	}

	if err := req.Validate(); err != nil {
		return nil, record, err
	}

	desc, err := d.Resolver.Resolve(req.ModelPath)
	if err != nil {
		return nil, record, err
	}
	record.Family = string(desc.Family)

	// fused-attention remap for quantized multi-part models; a structural
	// failure falls back to the original weights
	if desc.Layout == modelspec.LayoutMultiPart {
		if _, err := d.Weights.RemapModel(desc.Path); err != nil {
			if errors.Is(err, weights.ErrConversion) {
				logger.Warn("weight remap failed, loading original weights", zap.Error(err))
			} else {
				return nil, record, err
			}
		}
	}

	backend, err := device.SelectBackend(req.Device, d.Prober, logger)
	if err != nil {
		return nil, record, err
	}
	record.Backend = string(backend)

	modelBytes := modelspec.ModelSizeBytes(desc.Path)
	plan := device.PlanMemory(uint64(modelBytes), backend, d.Config.LowMemoryThreshold, d.Memory, logger)
	record.MemoryMode = string(plan.Mode)

	precision := device.SelectPrecision(backend, desc.Family, plan.LowMemory, d.Prober, logger)
	profile := device.Profile{Backend: backend, Precision: precision}
	record.Precision = string(precision)

	pipe, err := d.Loader.Load(&desc, profile)
	if err != nil {
		return nil, record, err
	}
	defer pipe.Close()

	resolution, err := sched.Resolve(req.Scheduler, desc.Family, backend, pipe.SchedulerConfig(), logger)
	if err != nil {
		return nil, record, err
	}
	pipe.SetScheduler(resolution)
	record.Scheduler = resolution.Spec.Name

	mode, err := PlaceWithFallback(pipe, profile, plan, logger)
	if err != nil {
		return nil, record, err
	}
	record.MemoryMode = string(mode)

	adapters, err := d.Lora.Compose(pipe, lora.Normalize(req.LoraPaths, req.LoraWts))
	if err != nil {
		return nil, record, err
	}

	job := Job{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          req.Steps,
		Guidance:       req.Guidance,
		Width:          req.Width,
		Height:         req.Height,
		Seed:           req.Seed,
		Count:          req.Count,
		Strength:       req.Strength,
	}
	if job.Seed < 0 {
		job.Seed = RandomSeed()
		logger.Info("using random seed", zap.Int64("seed", job.Seed))
	}
	record.Seed = job.Seed

	// flow-matching families use a different text-conditioning interface
	// and never go through the weighting collaborator
	if d.Conditioner != nil && !desc.Family.IsFlowMatching() {
		cond, err := d.Conditioner.Build(req.Prompt, req.NegativePrompt)
		if err != nil {
			logger.Warn("prompt conditioning failed, using raw prompts", zap.Error(err))
		} else {
			job.Conditioning = cond
		}
	}

	if req.InputImage != "" {
		src, err := LoadSourceImage(req.InputImage, req.Width, req.Height)
		if err != nil {
			return nil, record, err
		}
		job.SourceImage = src
	}

	timer := d.Metrics.StartGeneration(req.ModelPath, resolution.Spec.Name, req.Steps)
	images, err := pipe.Generate(ctx, job)
	if err != nil {
		return nil, record, err
	}
	d.Metrics.EndGeneration(timer, len(images))

	paths := OutputPaths(req.OutputPath, len(images))
	for i, img := range images {
		if err := SavePNG(img, paths[i]); err != nil {
			return nil, record, err
		}
		logger.Info("saved image", zap.String("path", paths[i]))
	}

	meta := &Metadata{
		Mode:           record.Mode,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Scheduler:      resolution.Spec.Name,
		Steps:          req.Steps,
		GuidanceScale:  req.Guidance,
		Width:          req.Width,
		Height:         req.Height,
		Seed:           job.Seed,
		NumImages:      len(images),
		Backend:        string(backend),
		Precision:      string(precision),
		MemoryMode:     string(mode),
		Family:         string(desc.Family),
		LoraAdapters:   adapters,
	}
	if req.InputImage != "" {
		meta.InputImage = &req.InputImage
		meta.Strength = &req.Strength
	}

	return &Result{Success: true, Images: paths, Metadata: meta}, record, nil
}
