package sched

import "fmt"

// Config is a scheduler configuration table, the shape of the JSON
// `scheduler_config.json` a pipeline carries. Values arrive as the JSON
// decoder produced them, so numeric entries may be float64 even when the
// setting is integral.
type Config map[string]any

// deniedKeys are configuration keys that are family- or backend-specific and
// must not be inherited by an unrelated scheduler implementation. Passing
// them through throws boundary errors in the sampler, notably an index
// computed one-off from a stale steps_offset.
var deniedKeys = []string{
	"mu",
	"timestep_type",
	"rescale_betas_zero_snr",
	"variance_type",
	"clip_sample",
	"clip_sample_range",
	"thresholding",
	"dynamic_thresholding_ratio",
	"sample_max_value",
	"prediction_type",
	"steps_offset",
}

// Clone returns a shallow copy. A nil receiver yields an empty Config.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Stripped returns a copy of c with every denied key removed.
func (c Config) Stripped() Config {
	out := c.Clone()
	for _, k := range deniedKeys {
		delete(out, k)
	}
	return out
}

// merged returns c overlaid with the spec's overrides.
func (c Config) merged(overrides Config) Config {
	out := c.Clone()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (c Config) floatOr(key string, fallback float64) (float64, error) {
	v, ok := c[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("sched: config key %q has non-numeric value %v", key, v)
	}
}

func (c Config) intOr(key string, fallback int) (int, error) {
	v, ok := c[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("sched: config key %q has non-integer value %v", key, v)
	}
}

func (c Config) boolOr(key string, fallback bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return fallback
}

func (c Config) stringOr(key, fallback string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return fallback
}
