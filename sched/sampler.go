package sched

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate/quad"
)

// Sampler runs one denoising trajectory. The reference runtime drives it:
// ScaleInput conditions the latent before the model call, Step advances the
// latent using the model's noise prediction. Implementations mutate sample
// in place.
type Sampler interface {
	// Steps is the number of sampling steps the sampler was built for.
	Steps() int
	// Sigma returns the noise level at step i.
	Sigma(i int) float64
	// Timestep returns the training-timestep index fed to the model at step i.
	Timestep(i int) int
	// ScaleInput conditions the latent for the model call at step i.
	ScaleInput(sample []float64, i int)
	// Step advances sample using the model's prediction for step i. rng is
	// only consumed by stochastic samplers.
	Step(sample, modelOutput []float64, i int, rng *rand.Rand)
}

// base carries the discretized schedule shared by every sampler.
type base struct {
	sched *schedule
}

func (b *base) Steps() int          { return len(b.sched.timesteps) }
func (b *base) Sigma(i int) float64 { return sigmaAt(b.sched.sigmas, i) }
func (b *base) Timestep(i int) int {
	return b.sched.timesteps[clampInt(i, 0, len(b.sched.timesteps)-1)]
}

// karrasScale is the input conditioning shared by sigma-space samplers.
func (b *base) ScaleInput(sample []float64, i int) {
	sigma := b.Sigma(i)
	floats.Scale(1/math.Sqrt(sigma*sigma+1), sample)
}

// denoised converts a noise prediction into a clean-sample estimate at
// noise level sigma: x0 = x - sigma * eps.
func denoised(sample, modelOutput []float64, sigma float64) []float64 {
	out := make([]float64, len(sample))
	copy(out, sample)
	floats.AddScaled(out, -sigma, modelOutput)
	return out
}

// eulerSampler is the deterministic Euler update in sigma space.
type eulerSampler struct{ base }

func newEulerSampler(p samplerParams, sc *schedule) Sampler {
	return &eulerSampler{base{sched: sc}}
}

func (s *eulerSampler) Step(sample, modelOutput []float64, i int, _ *rand.Rand) {
	sigma := s.Sigma(i)
	sigmaNext := s.Sigma(i + 1)
	// d = (x - x0)/sigma is the probability-flow derivative
	floats.AddScaled(sample, sigmaNext-sigma, modelOutput)
}

// eulerAncestralSampler adds fresh noise each step, splitting the sigma
// decrement into a deterministic part and an injected-variance part.
type eulerAncestralSampler struct{ base }

func newEulerAncestralSampler(p samplerParams, sc *schedule) Sampler {
	return &eulerAncestralSampler{base{sched: sc}}
}

func (s *eulerAncestralSampler) Step(sample, modelOutput []float64, i int, rng *rand.Rand) {
	sigma := s.Sigma(i)
	sigmaNext := s.Sigma(i + 1)

	var sigmaUp, sigmaDown float64
	if sigma > 0 && sigmaNext > 0 {
		sigmaUp = safeSqrt(sigmaNext * sigmaNext * (sigma*sigma - sigmaNext*sigmaNext) / (sigma * sigma))
		sigmaDown = safeSqrt(sigmaNext*sigmaNext - sigmaUp*sigmaUp)
	}

	floats.AddScaled(sample, sigmaDown-sigma, modelOutput)
	if sigmaUp > 0 {
		for j := range sample {
			sample[j] += rng.NormFloat64() * sigmaUp
		}
	}
}

// ddimSampler is the deterministic DDIM update over the alpha-cumprod
// schedule.
type ddimSampler struct {
	base
}

func newDDIMSampler(p samplerParams, sc *schedule) Sampler {
	return &ddimSampler{base: base{sched: sc}}
}

func (s *ddimSampler) ScaleInput(sample []float64, i int) {}

func (s *ddimSampler) Step(sample, modelOutput []float64, i int, _ *rand.Rand) {
	acp := s.sched.alphasCumprod
	at := acp[s.Timestep(i)]
	aPrev := 1.0
	if i+1 < s.Steps() {
		aPrev = acp[s.Timestep(i+1)]
	}

	sqrtAt := safeSqrt(at)
	sqrtOneMinusAt := safeSqrt(1 - at)
	for j := range sample {
		x0 := (sample[j] - sqrtOneMinusAt*modelOutput[j]) / sqrtAt
		sample[j] = safeSqrt(aPrev)*x0 + safeSqrt(1-aPrev)*modelOutput[j]
	}
}

// lmsSampler is the linear multistep sampler. Coefficients are the exact
// integrals of the Lagrange basis over each sigma interval, evaluated with
// fixed-order Gauss-Legendre quadrature.
type lmsSampler struct {
	base
	order       int
	derivatives [][]float64
}

func newLMSSampler(p samplerParams, sc *schedule) Sampler {
	return &lmsSampler{base: base{sched: sc}, order: 4}
}

func (s *lmsSampler) Step(sample, modelOutput []float64, i int, _ *rand.Rand) {
	d := make([]float64, len(modelOutput))
	copy(d, modelOutput)
	s.derivatives = append(s.derivatives, d)
	if len(s.derivatives) > s.order {
		s.derivatives = s.derivatives[1:]
	}

	order := len(s.derivatives)
	for j := 0; j < order; j++ {
		coeff := s.lmsCoefficient(order, i, j)
		floats.AddScaled(sample, coeff, s.derivatives[order-1-j])
	}
}

func (s *lmsSampler) lmsCoefficient(order, step, j int) float64 {
	f := func(tau float64) float64 {
		prod := 1.0
		for k := 0; k < order; k++ {
			if k == j {
				continue
			}
			sj := s.Sigma(step - j)
			sk := s.Sigma(step - k)
			if sj == sk {
				continue
			}
			prod *= (tau - sk) / (sj - sk)
		}
		return prod
	}
	return quad.Fixed(f, s.Sigma(step), s.Sigma(step+1), 16, nil, 0)
}
