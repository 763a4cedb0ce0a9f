package sched

import (
	"fmt"
	"math"
)

// samplerParams are the validated numeric settings a sampler is built from.
// They are parsed once at resolve time so a malformed inherited config fails
// fast instead of mid-loop.
type samplerParams struct {
	trainTimesteps int
	betaStart      float64
	betaEnd        float64
	betaSchedule   string
	timestepSpace  string
	karrasSigmas   bool
	shift          float64
}

func newSamplerParams(cfg Config) (samplerParams, error) {
	p := samplerParams{}
	var err error
	if p.trainTimesteps, err = cfg.intOr("num_train_timesteps", 1000); err != nil {
		return p, err
	}
	if p.betaStart, err = cfg.floatOr("beta_start", 0.00085); err != nil {
		return p, err
	}
	if p.betaEnd, err = cfg.floatOr("beta_end", 0.012); err != nil {
		return p, err
	}
	if p.shift, err = cfg.floatOr("shift", 1.0); err != nil {
		return p, err
	}
	p.betaSchedule = cfg.stringOr("beta_schedule", "scaled_linear")
	p.timestepSpace = cfg.stringOr("timestep_spacing", "leading")
	p.karrasSigmas = cfg.boolOr("use_karras_sigmas", false)

	if p.trainTimesteps <= 0 {
		return p, fmt.Errorf("sched: num_train_timesteps must be positive, got %d", p.trainTimesteps)
	}
	if p.betaStart <= 0 || p.betaEnd <= p.betaStart {
		return p, fmt.Errorf("sched: invalid beta range [%g, %g]", p.betaStart, p.betaEnd)
	}
	switch p.betaSchedule {
	case "linear", "scaled_linear":
	default:
		return p, fmt.Errorf("sched: unsupported beta_schedule %q", p.betaSchedule)
	}
	return p, nil
}

// schedule holds the discretized noise schedule for one sampling run.
type schedule struct {
	// timesteps are training-timestep indices, highest noise first.
	timesteps []int
	// sigmas has len(timesteps)+1 entries; the trailing entry is 0.
	sigmas []float64
	// alphasCumprod is indexed by training timestep.
	alphasCumprod []float64
}

// buildSchedule discretizes the training noise schedule to steps sampling
// steps. Sigmas descend and end with an explicit zero.
func buildSchedule(p samplerParams, steps int) (*schedule, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("sched: step count must be positive, got %d", steps)
	}
	if steps > p.trainTimesteps {
		steps = p.trainTimesteps
	}

	alphasCumprod := make([]float64, p.trainTimesteps)
	cum := 1.0
	for i := 0; i < p.trainTimesteps; i++ {
		beta := betaAt(p, i)
		cum *= 1 - beta
		alphasCumprod[i] = cum
	}

	trainSigmas := make([]float64, p.trainTimesteps)
	for i, ac := range alphasCumprod {
		trainSigmas[i] = math.Sqrt((1 - ac) / ac)
	}

	timesteps := spaceTimesteps(p, steps)
	sigmas := make([]float64, 0, steps+1)
	for _, t := range timesteps {
		sigmas = append(sigmas, trainSigmas[t])
	}
	if p.karrasSigmas {
		sigmas = karrasSigmas(sigmas[len(sigmas)-1], sigmas[0], steps)
		// re-derive timesteps from the warped sigmas so alpha lookups stay
		// consistent with the schedule actually sampled
		for i, s := range sigmas {
			timesteps[i] = nearestTimestep(trainSigmas, s)
		}
	}
	sigmas = append(sigmas, 0)

	return &schedule{
		timesteps:     timesteps,
		sigmas:        sigmas,
		alphasCumprod: alphasCumprod,
	}, nil
}

func betaAt(p samplerParams, i int) float64 {
	frac := float64(i) / float64(p.trainTimesteps-1)
	if p.betaSchedule == "scaled_linear" {
		start := math.Sqrt(p.betaStart)
		end := math.Sqrt(p.betaEnd)
		b := start + (end-start)*frac
		return b * b
	}
	return p.betaStart + (p.betaEnd-p.betaStart)*frac
}

// spaceTimesteps distributes steps sampling steps over the training range,
// highest timestep first. "trailing" spacing anchors the first step at the
// final training timestep, which removes the one-step bias of "leading"
// spacing at low step counts.
func spaceTimesteps(p samplerParams, steps int) []int {
	out := make([]int, steps)
	switch p.timestepSpace {
	case "trailing":
		ratio := float64(p.trainTimesteps) / float64(steps)
		for i := 0; i < steps; i++ {
			t := int(math.Round(float64(p.trainTimesteps)-float64(i)*ratio)) - 1
			out[i] = clampInt(t, 0, p.trainTimesteps-1)
		}
	default: // leading
		ratio := p.trainTimesteps / steps
		for i := 0; i < steps; i++ {
			out[i] = clampInt((steps-1-i)*ratio, 0, p.trainTimesteps-1)
		}
	}
	return out
}

// karrasSigmas builds the Karras et al. schedule with rho = 7 between
// sigmaMin and sigmaMax, descending, with steps entries.
func karrasSigmas(sigmaMin, sigmaMax float64, steps int) []float64 {
	const rho = 7.0
	out := make([]float64, steps)
	if steps == 1 {
		out[0] = sigmaMax
		return out
	}
	minInv := math.Pow(sigmaMin, 1/rho)
	maxInv := math.Pow(sigmaMax, 1/rho)
	for i := 0; i < steps; i++ {
		frac := float64(i) / float64(steps-1)
		out[i] = math.Pow(maxInv+frac*(minInv-maxInv), rho)
	}
	return out
}

func nearestTimestep(trainSigmas []float64, sigma float64) int {
	best, bestDist := 0, math.MaxFloat64
	for i, s := range trainSigmas {
		d := math.Abs(s - sigma)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// sigmaAt reads the sigma for step i, clamping the index to the final entry.
// The final sampling step would otherwise read one past the end of the
// per-step array.
func sigmaAt(sigmas []float64, i int) float64 {
	if i >= len(sigmas) {
		i = len(sigmas) - 1
	}
	if i < 0 {
		i = 0
	}
	return sigmas[i]
}

// safeSqrt clamps its input to zero before taking the root. Variance terms
// can go slightly negative under floating-point error and a bare sqrt turns
// the whole latent field into NaN.
func safeSqrt(v float64) float64 {
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
