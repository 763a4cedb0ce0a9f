package sched

import (
	"reflect"
	"testing"

	"sdgen/core"
	"sdgen/device"
	"sdgen/logging"
	"sdgen/modelspec"
)

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("plms")
	if err == nil {
		t.Fatal("expected error for unknown scheduler")
	}
	ve, ok := core.IsValidationError(err)
	if !ok {
		t.Fatalf("expected validation error, got %T", err)
	}
	if ve.Code != core.ErrCodeUnknownScheduler {
		t.Errorf("code = %v, want %v", ve.Code, core.ErrCodeUnknownScheduler)
	}
}

func TestRegistryComplete(t *testing.T) {
	want := []string{
		"ddim", "ddim_uniform", "dpm++", "dpm++_karras", "dpm++_sde",
		"dpm++_sde_karras", "euler", "euler_a", "euler_ancestral",
		"flow_match_euler", "flow_match_heun", "lms", "pndm",
	}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("registry has %d entries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveRejectsSDEOnUnifiedGPU(t *testing.T) {
	logger := logging.NewNopLogger()
	for _, name := range []string{"dpm++_sde", "dpm++_sde_karras"} {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(name, modelspec.FamilySD1, device.UnifiedGPU, nil, logger)
			if err == nil {
				t.Fatal("expected rejection")
			}
			ve, ok := core.IsValidationError(err)
			if !ok {
				t.Fatalf("expected validation error, got %T", err)
			}
			if ve.Code != core.ErrCodeSchedulerIncompatible {
				t.Errorf("code = %v, want %v", ve.Code, core.ErrCodeSchedulerIncompatible)
			}
			for _, alt := range nonStochasticNames() {
				if registry[alt].Kind == KindSDE {
					t.Errorf("alternatives include stochastic scheduler %q", alt)
				}
			}
		})
	}
}

func TestResolveSDEAllowedElsewhere(t *testing.T) {
	logger := logging.NewNopLogger()
	for _, backend := range []device.Backend{device.CPU, device.DiscreteGPU} {
		if _, err := Resolve("dpm++_sde", modelspec.FamilySD1, backend, nil, logger); err != nil {
			t.Errorf("dpm++_sde on %v: %v", backend, err)
		}
	}
}

func TestResolveFlowMatchingKeepsOriginal(t *testing.T) {
	res, err := Resolve("euler", modelspec.FamilyFlowMatching, device.CPU, Config{"shift": 3.0}, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !res.KeptOriginal {
		t.Error("expected KeptOriginal for classic scheduler on flow-matching family")
	}
	if !res.Spec.FlowMatching {
		t.Errorf("resolved spec %q is not flow-matching", res.Spec.Name)
	}
}

func TestResolveFlowMatchingRetainsConfigUnchanged(t *testing.T) {
	cfg := Config{"shift": 3.0, "mu": 0.7, "timestep_type": "sigma", "_class_name": "FlowMatchEulerDiscreteScheduler"}
	res, err := Resolve("ddim", modelspec.FamilyFlowMatching, device.CPU, cfg, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if res.Spec.Name != "flow_match_euler" {
		t.Errorf("retained %q, want flow_match_euler", res.Spec.Name)
	}
	if !reflect.DeepEqual(res.Config, cfg) {
		t.Errorf("retained config was modified: %v, want %v", res.Config, cfg)
	}
}

func TestResolveFlowMatchingRetainsHeunScheduler(t *testing.T) {
	cfg := Config{"_class_name": "FlowMatchHeunDiscreteScheduler", "shift": 1.0}
	res, err := Resolve("euler", modelspec.FamilyFlowMatching, device.CPU, cfg, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if res.Spec.Name != "flow_match_heun" {
		t.Errorf("retained %q, want flow_match_heun", res.Spec.Name)
	}
	if !res.KeptOriginal {
		t.Error("expected KeptOriginal")
	}
}

func TestResolveFlowMatchingSchedulerAccepted(t *testing.T) {
	res, err := Resolve("flow_match_euler", modelspec.FamilyFlowMatching, device.CPU, nil, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if res.KeptOriginal {
		t.Error("explicit flow-matching request should not be recorded as an override")
	}
}

func TestResolveStripsDeniedKeys(t *testing.T) {
	cfg := Config{
		"mu":              0.7,
		"steps_offset":    1,
		"prediction_type": "v_prediction",
		"beta_start":      0.0001,
	}
	res, err := Resolve("euler", modelspec.FamilySD1, device.CPU, cfg, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range deniedKeys {
		if _, ok := res.Config[k]; ok {
			t.Errorf("denied key %q survived stripping", k)
		}
	}
	if _, ok := res.Config["beta_start"]; !ok {
		t.Error("allowed key beta_start was dropped")
	}
}

func TestResolveRetriesWithDefaults(t *testing.T) {
	cfg := Config{"beta_start": "tiny"} // wrong type
	res, err := Resolve("euler", modelspec.FamilySD1, device.CPU, cfg, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !res.UsedDefaults {
		t.Error("expected fallback to bare defaults")
	}
	if _, err := res.Instantiate(25); err != nil {
		t.Errorf("default instantiation failed: %v", err)
	}
}

func TestInstantiateEverySampler(t *testing.T) {
	logger := logging.NewNopLogger()
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			family := modelspec.FamilySD1
			if registry[name].FlowMatching {
				family = modelspec.FamilyFlowMatching
			}
			res, err := Resolve(name, family, device.CPU, nil, logger)
			if err != nil {
				t.Fatal(err)
			}
			sampler, err := res.Instantiate(25)
			if err != nil {
				t.Fatal(err)
			}
			if sampler.Steps() != 25 {
				t.Errorf("Steps() = %d, want 25", sampler.Steps())
			}
		})
	}
}
