// Package sched resolves a requested scheduler name against the model family
// and compute backend, and owns the sampler update rules used by the
// reference runtime. Scheduler names form a closed registry: an unknown name
// is a validation error at resolve time, never a lookup failure deep in the
// sampling loop.
package sched

import (
	"sort"

	"sdgen/core"
)

// Kind classifies a scheduler's sampling algorithm. The kind drives the
// backend-compatibility rules: stochastic-differential samplers are
// numerically fragile on unified-memory GPUs and are rejected there.
type Kind string

const (
	KindDeterministic Kind = "deterministic"
	KindAncestral     Kind = "ancestral"
	KindSDE           Kind = "sde"
	KindFlowMatching  Kind = "flow_matching"
)

// Spec describes one registered scheduler: its algorithm kind, the
// configuration overrides it applies on top of the pipeline's inherited
// config, and whether it belongs to the flow-matching family of samplers.
type Spec struct {
	Name string
	Kind Kind
	// Overrides are merged into the inherited pipeline configuration when
	// the scheduler is instantiated.
	Overrides Config
	// FlowMatching marks schedulers that use the continuous-flow
	// parameterization; only these may replace a flow-matching pipeline's
	// default scheduler.
	FlowMatching bool

	newSampler func(p samplerParams, sc *schedule) Sampler
}

var registry = map[string]Spec{
	"dpm++": {
		Name: "dpm++", Kind: KindDeterministic,
		Overrides:  Config{"algorithm_type": "dpmsolver++", "solver_order": 2},
		newSampler: newDPMSolverSampler,
	},
	"dpm++_karras": {
		Name: "dpm++_karras", Kind: KindDeterministic,
		Overrides:  Config{"algorithm_type": "dpmsolver++", "solver_order": 2, "use_karras_sigmas": true},
		newSampler: newDPMSolverSampler,
	},
	"dpm++_sde": {
		Name: "dpm++_sde", Kind: KindSDE,
		Overrides:  Config{"algorithm_type": "sde-dpmsolver++"},
		newSampler: newDPMSolverSDESampler,
	},
	"dpm++_sde_karras": {
		Name: "dpm++_sde_karras", Kind: KindSDE,
		Overrides:  Config{"algorithm_type": "sde-dpmsolver++", "use_karras_sigmas": true},
		newSampler: newDPMSolverSDESampler,
	},
	"euler": {
		Name: "euler", Kind: KindDeterministic,
		newSampler: newEulerSampler,
	},
	"euler_a": {
		Name: "euler_a", Kind: KindAncestral,
		newSampler: newEulerAncestralSampler,
	},
	"euler_ancestral": {
		Name: "euler_ancestral", Kind: KindAncestral,
		newSampler: newEulerAncestralSampler,
	},
	"ddim": {
		Name: "ddim", Kind: KindDeterministic,
		newSampler: newDDIMSampler,
	},
	"ddim_uniform": {
		Name: "ddim_uniform", Kind: KindDeterministic,
		Overrides:  Config{"timestep_spacing": "trailing"},
		newSampler: newDDIMSampler,
	},
	"pndm": {
		Name: "pndm", Kind: KindDeterministic,
		Overrides:  Config{"skip_prk_steps": true},
		newSampler: newEulerSampler,
	},
	"lms": {
		Name: "lms", Kind: KindDeterministic,
		newSampler: newLMSSampler,
	},
	"flow_match_euler": {
		Name: "flow_match_euler", Kind: KindFlowMatching, FlowMatching: true,
		newSampler: newFlowMatchEulerSampler,
	},
	"flow_match_heun": {
		Name: "flow_match_heun", Kind: KindFlowMatching, FlowMatching: true,
		Overrides:  Config{"solver_order": 2},
		newSampler: newFlowMatchHeunSampler,
	},
}

// Lookup returns the Spec for name. Unknown names are a validation error
// listing every registered scheduler.
func Lookup(name string) (Spec, error) {
	spec, ok := registry[name]
	if !ok {
		return Spec{}, core.ErrUnknownScheduler(name, Names())
	}
	return spec, nil
}

// Names returns every registered scheduler name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// nonStochasticNames lists schedulers safe on every backend, used when a
// stochastic-differential request is rejected.
func nonStochasticNames() []string {
	names := make([]string, 0, len(registry))
	for name, spec := range registry {
		if spec.Kind != KindSDE {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
