package pipeline

import (
	"context"
	"errors"
	"image"
	"testing"

	"sdgen/device"
	"sdgen/logging"
	"sdgen/sched"
)

// fakePipeline scripts placement failures and records every call.
type fakePipeline struct {
	placeErrs []error
	placeCnt  int

	sequential bool
	modelOff   bool
	slicing    bool
	genDevice  device.Backend

	schedCfg   sched.Config
	resolution *sched.Resolution
	adapters   map[string]string
	setNames   [][]string
	setWeights [][]float64
	genErr     error
	closed     bool
}

func newFakePipeline(placeErrs ...error) *fakePipeline {
	return &fakePipeline{placeErrs: placeErrs, adapters: map[string]string{}}
}

func (f *fakePipeline) SchedulerConfig() sched.Config      { return f.schedCfg }
func (f *fakePipeline) SetScheduler(r *sched.Resolution)   { f.resolution = r }
func (f *fakePipeline) EnableSequentialOffload()           { f.sequential = true }
func (f *fakePipeline) EnableModelOffload()                { f.modelOff = true }
func (f *fakePipeline) EnableAttentionSlicing()            { f.slicing = true }
func (f *fakePipeline) SetGeneratorDevice(b device.Backend) { f.genDevice = b }

func (f *fakePipeline) Place(device.Backend, device.Precision) error {
	var err error
	if f.placeCnt < len(f.placeErrs) {
		err = f.placeErrs[f.placeCnt]
	}
	f.placeCnt++
	return err
}

func (f *fakePipeline) LoadAdapter(path, name string) error {
	f.adapters[name] = path
	return nil
}

func (f *fakePipeline) SetAdapterWeights(names []string, weights []float64) error {
	f.setNames = append(f.setNames, names)
	f.setWeights = append(f.setWeights, weights)
	return nil
}

func (f *fakePipeline) Generate(ctx context.Context, job Job) ([]image.Image, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	imgs := make([]image.Image, job.Count)
	for i := range imgs {
		imgs[i] = image.NewRGBA(image.Rect(0, 0, job.Width, job.Height))
	}
	return imgs, nil
}

func (f *fakePipeline) Close() error {
	f.closed = true
	return nil
}

func unifiedProfile() device.Profile {
	return device.Profile{Backend: device.UnifiedGPU, Precision: device.FP32}
}

func TestFallbackStandardPlacement(t *testing.T) {
	p := newFakePipeline(nil)
	plan := device.MemoryPlan{Mode: device.ModeStandard, AttentionSlicing: true}

	mode, err := PlaceWithFallback(p, unifiedProfile(), plan, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if mode != device.ModeStandard {
		t.Errorf("mode = %v, want standard", mode)
	}
	if !p.slicing {
		t.Error("attention slicing not enabled despite plan")
	}
	if p.sequential || p.modelOff {
		t.Error("offload enabled without any failure")
	}
}

func TestFallbackOOMEscalatesToSequentialOffload(t *testing.T) {
	p := newFakePipeline(errors.New("MPS backend out of memory"), nil)
	plan := device.MemoryPlan{Mode: device.ModeStandard, AttentionSlicing: true}

	mode, err := PlaceWithFallback(p, unifiedProfile(), plan, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if mode != device.ModeSequentialOffload {
		t.Errorf("mode = %v, want sequential offload", mode)
	}
	if !p.sequential {
		t.Error("sequential offload not enabled")
	}
	if p.modelOff {
		t.Error("model offload enabled on an OOM failure")
	}
	if p.placeCnt != 2 {
		t.Errorf("Place called %d times, want 2", p.placeCnt)
	}
}

func TestFallbackMetaTensorEscalatesToModelOffload(t *testing.T) {
	p := newFakePipeline(errors.New("Cannot copy out of meta tensor; no data!"), nil)
	plan := device.MemoryPlan{Mode: device.ModeStandard}

	mode, err := PlaceWithFallback(p, unifiedProfile(), plan, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if mode != device.ModeModelOffload {
		t.Errorf("mode = %v, want model offload", mode)
	}
	if !p.modelOff {
		t.Error("model offload not enabled")
	}
	if p.genDevice != device.CPU {
		t.Errorf("generator device = %v, want cpu", p.genDevice)
	}
}

func TestFallbackProactiveSequentialOffload(t *testing.T) {
	p := newFakePipeline(nil)
	plan := device.MemoryPlan{Mode: device.ModeSequentialOffload, LowMemory: true, AttentionSlicing: true}

	mode, err := PlaceWithFallback(p, unifiedProfile(), plan, logging.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if mode != device.ModeSequentialOffload {
		t.Errorf("mode = %v", mode)
	}
	if !p.sequential {
		t.Error("sequential offload not enabled before placement")
	}
	if p.placeCnt != 1 {
		t.Errorf("Place called %d times, want 1 (no standard attempt)", p.placeCnt)
	}
}

func TestFallbackUnrecognizedErrorPropagates(t *testing.T) {
	boom := errors.New("model file is corrupt")
	p := newFakePipeline(boom)

	_, err := PlaceWithFallback(p, unifiedProfile(), device.MemoryPlan{Mode: device.ModeStandard}, logging.NewNopLogger())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped original", err)
	}
	if p.sequential || p.modelOff {
		t.Error("escalation attempted for an unrecognized error")
	}
}

func TestFallbackOffloadIsTerminal(t *testing.T) {
	oom := errors.New("out of memory")
	p := newFakePipeline(oom, oom)

	_, err := PlaceWithFallback(p, unifiedProfile(), device.MemoryPlan{Mode: device.ModeStandard}, logging.NewNopLogger())
	if err == nil {
		t.Fatal("expected failure when offload placement also fails")
	}
	if p.placeCnt != 2 {
		t.Errorf("Place called %d times, want 2 (no third escalation)", p.placeCnt)
	}
}
