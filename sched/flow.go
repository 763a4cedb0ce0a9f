package sched

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Flow-matching samplers integrate the learned velocity field directly. The
// model output is a velocity, not a noise prediction, and the latent is not
// rescaled before the model call. Sigma runs linearly from 1 to 0, optionally
// warped by the pipeline's shift parameter.

type flowMatchBase struct {
	base
}

// flowSchedule replaces the diffusion sigmas with the time-warped flow
// schedule. Timesteps are the sigmas scaled to the training range.
func flowSchedule(p samplerParams, steps int) *schedule {
	sigmas := make([]float64, steps+1)
	for i := 0; i <= steps; i++ {
		s := 1 - float64(i)/float64(steps)
		if p.shift != 1 {
			s = p.shift * s / (1 + (p.shift-1)*s)
		}
		sigmas[i] = s
	}
	timesteps := make([]int, steps)
	for i := 0; i < steps; i++ {
		timesteps[i] = int(sigmas[i] * float64(p.trainTimesteps))
	}
	return &schedule{timesteps: timesteps, sigmas: sigmas}
}

func (f *flowMatchBase) ScaleInput(sample []float64, i int) {}

// flowMatchEulerSampler takes a single forward-Euler step along the
// velocity field per sampling step.
type flowMatchEulerSampler struct{ flowMatchBase }

func newFlowMatchEulerSampler(p samplerParams, sc *schedule) Sampler {
	return &flowMatchEulerSampler{flowMatchBase{base{sched: sc}}}
}

func (s *flowMatchEulerSampler) Step(sample, modelOutput []float64, i int, _ *rand.Rand) {
	dt := s.Sigma(i+1) - s.Sigma(i)
	floats.AddScaled(sample, dt, modelOutput)
}

// flowMatchHeunSampler stores the first-stage slope and finishes the
// trapezoidal correction when the runtime calls StepCorrect with the
// re-evaluated velocity. Runtimes that do not re-evaluate fall back to the
// Euler result, which StepCorrect leaves intact when never called.
type flowMatchHeunSampler struct {
	flowMatchBase
	firstSlope []float64
}

func newFlowMatchHeunSampler(p samplerParams, sc *schedule) Sampler {
	return &flowMatchHeunSampler{flowMatchBase: flowMatchBase{base{sched: sc}}}
}

func (s *flowMatchHeunSampler) Step(sample, modelOutput []float64, i int, _ *rand.Rand) {
	dt := s.Sigma(i+1) - s.Sigma(i)
	s.firstSlope = make([]float64, len(modelOutput))
	copy(s.firstSlope, modelOutput)
	floats.AddScaled(sample, dt, modelOutput)
}

// StepCorrect replaces the Euler step taken by Step with the Heun average of
// the two slopes. secondOutput is the velocity evaluated at the Euler
// predictor.
func (s *flowMatchHeunSampler) StepCorrect(sample, secondOutput []float64, i int) {
	if s.firstSlope == nil {
		return
	}
	dt := s.Sigma(i+1) - s.Sigma(i)
	// undo half the first slope, add half the second
	floats.AddScaled(sample, -dt/2, s.firstSlope)
	floats.AddScaled(sample, dt/2, secondOutput)
	s.firstSlope = nil
}

// Corrector is implemented by samplers that refine a step with a second
// model evaluation.
type Corrector interface {
	StepCorrect(sample, secondOutput []float64, i int)
}
