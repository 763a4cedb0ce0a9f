package sched

import (
	"strings"

	"go.uber.org/zap"

	"sdgen/core"
	"sdgen/device"
	"sdgen/logging"
	"sdgen/modelspec"
)

// Resolution is the outcome of scheduler resolution: the scheduler that will
// actually run, its effective configuration, and how the request was
// adjusted to get there.
type Resolution struct {
	Spec   Spec
	Config Config
	// KeptOriginal is set when a flow-matching pipeline retained its own
	// scheduler instead of the requested one.
	KeptOriginal bool
	// UsedDefaults is set when the inherited configuration was rejected and
	// the scheduler fell back to its bare defaults.
	UsedDefaults bool

	params samplerParams
}

// Resolve applies the compatibility rules in order:
//
//  1. A stochastic-differential scheduler on a unified-memory GPU is a hard
//     validation error naming compatible alternatives. Silent substitution
//     would change results without telling the caller.
//  2. A flow-matching pipeline keeps its original scheduler, with its saved
//     configuration untouched, unless a flow-matching scheduler was
//     requested; the override is logged, not an error.
//  3. Otherwise the requested scheduler is instantiated from the pipeline's
//     inherited configuration with the denied keys stripped; if that
//     configuration is rejected, it retries with bare defaults rather than
//     failing the request.
func Resolve(name string, family modelspec.Family, backend device.Backend, current Config, logger *logging.Logger) (*Resolution, error) {
	spec, err := Lookup(name)
	if err != nil {
		return nil, err
	}

	if backend == device.UnifiedGPU && spec.Kind == KindSDE {
		return nil, core.ErrSchedulerIncompatible(name, string(backend), nonStochasticNames())
	}

	if family.IsFlowMatching() && !spec.FlowMatching {
		retained := retainedFlowSpec(current)
		logger.Warn("scheduler request overridden: flow-matching pipeline keeps its original scheduler",
			zap.String("requested", name), zap.String("retained", retained.Name))
		// The pipeline keeps the configuration it was saved with, untouched:
		// the retained scheduler is the one that wrote it, so there is
		// nothing to strip or override.
		res := &Resolution{Spec: retained, Config: current.Clone(), KeptOriginal: true}
		res.params, err = newSamplerParams(res.Config)
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	cfg := current.Stripped().merged(spec.Overrides)
	params, err := newSamplerParams(cfg)
	if err != nil {
		logger.Warn("inherited scheduler configuration rejected, retrying with defaults",
			zap.String("scheduler", name), zap.Error(err))
		cfg = Config{}.merged(spec.Overrides)
		params, err = newSamplerParams(cfg)
		if err != nil {
			return nil, err
		}
		return &Resolution{Spec: spec, Config: cfg, UsedDefaults: true, params: params}, nil
	}

	return &Resolution{Spec: spec, Config: cfg, params: params}, nil
}

// retainedFlowSpec maps the pipeline's saved scheduler class back to its
// registry entry. Flow-matching pipelines ship with the flow Euler scheduler
// unless their config names the Heun variant; a config with no class name
// (single-file checkpoint, unreadable manifest) gets the Euler default.
func retainedFlowSpec(current Config) Spec {
	if class, ok := current["_class_name"].(string); ok && strings.Contains(class, "Heun") {
		return registry["flow_match_heun"]
	}
	return registry["flow_match_euler"]
}

// Instantiate builds the sampler for a run of the given step count.
func (r *Resolution) Instantiate(steps int) (Sampler, error) {
	if r.Spec.FlowMatching {
		return r.Spec.newSampler(r.params, flowSchedule(r.params, steps)), nil
	}
	sc, err := buildSchedule(r.params, steps)
	if err != nil {
		return nil, err
	}
	return r.Spec.newSampler(r.params, sc), nil
}
