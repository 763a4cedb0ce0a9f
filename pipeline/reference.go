package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"sdgen/device"
	"sdgen/logging"
	"sdgen/modelspec"
	"sdgen/sched"
)

const latentChannels = 4

// referencePipeline is the pure-Go runtime. It integrates the resolved
// sampler over a synthetic latent field seeded from the job, producing
// deterministic images without the native library. The placement and offload
// calls record state so the fallback controller is fully exercisable.
type referencePipeline struct {
	logger *logging.Logger
	desc   *modelspec.Descriptor

	resolution *sched.Resolution
	schedCfg   sched.Config

	backend         device.Backend
	precision       device.Precision
	generatorDevice device.Backend

	sequentialOffload bool
	modelOffload      bool
	attentionSlicing  bool

	adapters       []string
	adapterWeights []float64

	closed bool
}

// ReferenceLoader builds reference pipelines. It is the Loader used when the
// binary is compiled without the native runtime.
type ReferenceLoader struct {
	Logger *logging.Logger
}

func (l *ReferenceLoader) Load(desc *modelspec.Descriptor, profile device.Profile) (Pipeline, error) {
	if _, err := os.Stat(desc.Path); err != nil {
		return nil, fmt.Errorf("pipeline: model path %s: %w", desc.Path, err)
	}
	l.Logger.Info("loading pipeline",
		zap.String("model", desc.Path),
		zap.String("class", desc.PipelineClass),
		zap.String("family", string(desc.Family)))
	return &referencePipeline{
		logger:          l.Logger,
		desc:            desc,
		schedCfg:        loadSchedulerConfig(desc),
		generatorDevice: profile.Backend,
	}, nil
}

// loadSchedulerConfig reads the pipeline's scheduler_config.json when the
// model directory carries one. Single-file checkpoints have none; an
// unreadable file degrades to empty config rather than failing the load.
func loadSchedulerConfig(desc *modelspec.Descriptor) sched.Config {
	if desc.Layout != modelspec.LayoutMultiPart {
		return sched.Config{}
	}
	data, err := os.ReadFile(filepath.Join(desc.Path, "scheduler", "scheduler_config.json"))
	if err != nil {
		return sched.Config{}
	}
	var cfg sched.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return sched.Config{}
	}
	return cfg
}

func (p *referencePipeline) SchedulerConfig() sched.Config { return p.schedCfg.Clone() }

func (p *referencePipeline) SetScheduler(res *sched.Resolution) { p.resolution = res }

func (p *referencePipeline) Place(backend device.Backend, precision device.Precision) error {
	p.backend = backend
	p.precision = precision
	p.logger.Info("pipeline placed",
		zap.String("backend", string(backend)),
		zap.String("precision", string(precision)),
		zap.Bool("sequential_offload", p.sequentialOffload),
		zap.Bool("model_offload", p.modelOffload))
	return nil
}

func (p *referencePipeline) EnableSequentialOffload() { p.sequentialOffload = true }
func (p *referencePipeline) EnableModelOffload()      { p.modelOffload = true }
func (p *referencePipeline) EnableAttentionSlicing()  { p.attentionSlicing = true }

func (p *referencePipeline) SetGeneratorDevice(backend device.Backend) {
	p.generatorDevice = backend
}

func (p *referencePipeline) LoadAdapter(path, name string) error {
	p.adapters = append(p.adapters, name)
	p.adapterWeights = append(p.adapterWeights, 1.0)
	return nil
}

func (p *referencePipeline) SetAdapterWeights(names []string, weights []float64) error {
	if len(names) != len(weights) {
		return fmt.Errorf("pipeline: %d adapter names with %d weights", len(names), len(weights))
	}
	p.adapters = append([]string(nil), names...)
	p.adapterWeights = append([]float64(nil), weights...)
	return nil
}

func (p *referencePipeline) Generate(ctx context.Context, job Job) ([]image.Image, error) {
	if p.closed {
		return nil, fmt.Errorf("pipeline: generate on closed pipeline")
	}
	if p.resolution == nil {
		return nil, fmt.Errorf("pipeline: no scheduler bound")
	}

	images := make([]image.Image, 0, job.Count)
	for i := 0; i < job.Count; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		img, err := p.generateOne(job, job.Seed+int64(i))
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// generateOne integrates the sampler over a latent field at 1/8 resolution
// and decodes the result to an RGBA image. The "model" is a deterministic
// field derived from the prompt hash, so identical jobs yield identical
// pixels.
func (p *referencePipeline) generateOne(job Job, seed int64) (image.Image, error) {
	sampler, err := p.resolution.Instantiate(job.Steps)
	if err != nil {
		return nil, err
	}

	lw := job.Width / ImageSizeMultiple
	lh := job.Height / ImageSizeMultiple
	dim := lw * lh * latentChannels

	rng := rand.New(rand.NewSource(seed))
	latent := make([]float64, dim)
	startStep := 0

	if job.Img2Img() {
		encodeLatent(latent, job.SourceImage, lw, lh)
		startStep = initialStep(sampler.Steps(), job.Strength)
		sigma := sampler.Sigma(startStep)
		for j := range latent {
			latent[j] += rng.NormFloat64() * sigma
		}
	} else {
		sigma := sampler.Sigma(0)
		for j := range latent {
			latent[j] = rng.NormFloat64() * sigma
		}
	}

	field := promptField(job, dim)
	adapterBias := p.adapterBias()

	for i := startStep; i < sampler.Steps(); i++ {
		scaled := make([]float64, dim)
		copy(scaled, latent)
		sampler.ScaleInput(scaled, i)

		modelOutput := make([]float64, dim)
		for j := range modelOutput {
			// guidance pulls the prediction toward the prompt field
			uncond := scaled[j] * 0.05
			cond := scaled[j]*0.05 + field[j] + adapterBias
			modelOutput[j] = uncond + job.Guidance*(cond-uncond)/MaxGuidance
		}
		sampler.Step(latent, modelOutput, i, rng)

		if corrector, ok := sampler.(sched.Corrector); ok {
			second := make([]float64, dim)
			for j := range second {
				second[j] = latent[j]*0.05 + field[j] + adapterBias
			}
			corrector.StepCorrect(latent, second, i)
		}
	}

	return decodeLatent(latent, lw, lh, job.Width, job.Height), nil
}

// initialStep maps denoise strength to the step the img2img trajectory
// starts from: strength 1.0 runs the full schedule, 0.0 none of it.
func initialStep(steps int, strength float64) int {
	skip := int(float64(steps) * (1 - strength))
	if skip >= steps {
		skip = steps - 1
	}
	if skip < 0 {
		skip = 0
	}
	return skip
}

// promptField is the deterministic per-pixel target derived from the prompt
// text. Conditioning embeddings, when present, perturb it so weighted prompts
// are distinguishable from plain ones.
func promptField(job Job, dim int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(job.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(job.NegativePrompt))
	fieldSeed := int64(h.Sum64() & math.MaxInt64)

	rng := rand.New(rand.NewSource(fieldSeed))
	field := make([]float64, dim)
	for j := range field {
		field[j] = rng.NormFloat64() * 0.5
	}
	if job.Conditioning != nil {
		for j, v := range job.Conditioning.PromptEmbedding {
			if j >= dim {
				break
			}
			field[j] += v * 0.1
		}
	}
	return field
}

func (p *referencePipeline) adapterBias() float64 {
	bias := 0.0
	for _, w := range p.adapterWeights {
		bias += w * 0.01
	}
	return bias
}

// encodeLatent folds a source image down to latent resolution.
func encodeLatent(latent []float64, src image.Image, lw, lh int) {
	small := image.NewRGBA(image.Rect(0, 0, lw, lh))
	draw.CatmullRom.Scale(small, small.Bounds(), src, src.Bounds(), draw.Over, nil)
	for y := 0; y < lh; y++ {
		for x := 0; x < lw; x++ {
			r, g, b, a := small.At(x, y).RGBA()
			base := (y*lw + x) * latentChannels
			latent[base] = float64(r)/32768 - 1
			latent[base+1] = float64(g)/32768 - 1
			latent[base+2] = float64(b)/32768 - 1
			latent[base+3] = float64(a)/32768 - 1
		}
	}
}

// decodeLatent maps the final latent to pixels and upscales to the target
// size with CatmullRom interpolation.
func decodeLatent(latent []float64, lw, lh, width, height int) image.Image {
	small := image.NewRGBA(image.Rect(0, 0, lw, lh))
	for y := 0; y < lh; y++ {
		for x := 0; x < lw; x++ {
			base := (y*lw + x) * latentChannels
			small.SetRGBA(x, y, color.RGBA{
				R: toChannel(latent[base]),
				G: toChannel(latent[base+1]),
				B: toChannel(latent[base+2]),
				A: 255,
			})
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(out, out.Bounds(), small, small.Bounds(), draw.Over, nil)
	return out
}

func toChannel(v float64) uint8 {
	scaled := (v + 1) * 127.5
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}

func (p *referencePipeline) Close() error {
	p.closed = true
	return nil
}
