package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sdgen/core"
	"sdgen/device"
	"sdgen/logging"
	"sdgen/lora"
	"sdgen/modelspec"
	"sdgen/weights"
)

func writeModelFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(path, []byte("checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type captureRecorder struct {
	records []RunRecord
}

func (r *captureRecorder) Record(rec RunRecord) { r.records = append(r.records, rec) }

func testDriver(t *testing.T) (*Driver, *captureRecorder) {
	t.Helper()
	logger := logging.NewNopLogger()
	recorder := &captureRecorder{}
	return &Driver{
		Logger:   logger,
		Config:   core.Config{LowMemoryThreshold: core.DefaultLowMemoryThreshold},
		Loader:   &ReferenceLoader{Logger: logger},
		Prober:   &device.StaticProber{},
		Memory:   device.StaticMemoryReader{Total: 16 << 30},
		Resolver: modelspec.NewResolver(logger, ""),
		Weights:  weights.NewAdapter(logger),
		Lora:     lora.NewComposer(logger),
		Metrics:  logging.NewMetricsLogger(logger),
		Recorder: recorder,
	}, recorder
}

func baseRequest(model, out string) Request {
	return Request{
		ModelPath:  model,
		Prompt:     "a mountain lake at dusk",
		OutputPath: out,
		Scheduler:  "euler",
		Steps:      4,
		Guidance:   DefaultGuidance,
		Width:      64,
		Height:     64,
		Seed:       7,
		Count:      1,
		Strength:   DefaultStrength,
		Device:     "cpu",
	}
}

func TestDriverRunTxt2Img(t *testing.T) {
	d, recorder := testDriver(t)
	out := filepath.Join(t.TempDir(), "out.png")

	res, err := d.Run(context.Background(), baseRequest(writeModelFixture(t), out))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Images) != 1 || res.Images[0] != out {
		t.Errorf("images = %v", res.Images)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}

	meta := res.Metadata
	if meta.Mode != "txt2img" || meta.Scheduler != "euler" || meta.Seed != 7 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Backend != "cpu" || meta.Precision != "fp32" {
		t.Errorf("resolved profile = %s/%s", meta.Backend, meta.Precision)
	}

	if len(recorder.records) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(recorder.records))
	}
	rec := recorder.records[0]
	if rec.Status != "succeeded" || rec.CorrelationID == "" {
		t.Errorf("record = %+v", rec)
	}
}

func TestDriverRunIsDeterministicPerSeed(t *testing.T) {
	d, _ := testDriver(t)
	model := writeModelFixture(t)
	dir := t.TempDir()

	outA := filepath.Join(dir, "a.png")
	outB := filepath.Join(dir, "b.png")

	reqA := baseRequest(model, outA)
	reqB := baseRequest(model, outB)

	if _, err := d.Run(context.Background(), reqA); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Run(context.Background(), reqB); err != nil {
		t.Fatal(err)
	}

	a, _ := os.ReadFile(outA)
	b, _ := os.ReadFile(outB)
	if !bytes.Equal(a, b) {
		t.Error("same seed and prompt produced different images")
	}
}

func TestDriverMultipleImagesSequentialNaming(t *testing.T) {
	d, _ := testDriver(t)
	out := filepath.Join(t.TempDir(), "cat.png")

	req := baseRequest(writeModelFixture(t), out)
	req.Count = 3

	res, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		strings.TrimSuffix(out, ".png") + "_1.png",
		strings.TrimSuffix(out, ".png") + "_2.png",
		strings.TrimSuffix(out, ".png") + "_3.png",
	}
	for i, p := range want {
		if res.Images[i] != p {
			t.Errorf("images[%d] = %q, want %q", i, res.Images[i], p)
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s", p)
		}
	}
}

func TestDriverImg2Img(t *testing.T) {
	d, _ := testDriver(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "src.png")
	if err := SavePNG(decodeLatent(make([]float64, 8*8*latentChannels), 8, 8, 128, 128), src); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out.png")
	req := baseRequest(writeModelFixture(t), out)
	req.InputImage = src
	req.Strength = 0.6

	res, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Mode != "img2img" {
		t.Errorf("mode = %s", res.Metadata.Mode)
	}
	if res.Metadata.Strength == nil || *res.Metadata.Strength != 0.6 {
		t.Errorf("strength = %v", res.Metadata.Strength)
	}
}

func TestDriverMissingModelIsValidationError(t *testing.T) {
	d, recorder := testDriver(t)
	req := baseRequest("/nonexistent/model.safetensors", filepath.Join(t.TempDir(), "out.png"))

	_, err := d.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected failure")
	}
	ve, ok := core.IsValidationError(err)
	if !ok || ve.Code != core.ErrCodeModelNotFound {
		t.Errorf("err = %v", err)
	}
	if recorder.records[0].Status != "failed" {
		t.Errorf("record = %+v", recorder.records[0])
	}
}

func TestDriverRandomSeedWhenUnset(t *testing.T) {
	d, recorder := testDriver(t)
	req := baseRequest(writeModelFixture(t), filepath.Join(t.TempDir(), "out.png"))
	req.Seed = -1

	res, err := d.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Seed < 0 {
		t.Errorf("seed not resolved: %d", res.Metadata.Seed)
	}
	if recorder.records[0].Seed != res.Metadata.Seed {
		t.Error("record and metadata disagree on seed")
	}
}

// The fallback scenario end to end: placement fails with OOM once, the run
// still completes and reports success with the offloaded memory mode.
type flakyLoader struct {
	pipe *fakePipeline
}

func (l *flakyLoader) Load(desc *modelspec.Descriptor, profile device.Profile) (Pipeline, error) {
	return l.pipe, nil
}

func TestDriverRecoversFromPlacementOOM(t *testing.T) {
	d, _ := testDriver(t)
	pipe := newFakePipeline(errOOMForTest(), nil)
	pipe.schedCfg = nil
	d.Loader = &flakyLoader{pipe: pipe}

	out := filepath.Join(t.TempDir(), "out.png")
	res, err := d.Run(context.Background(), baseRequest(writeModelFixture(t), out))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Metadata.MemoryMode != string(device.ModeSequentialOffload) {
		t.Errorf("memory mode = %s, want sequential offload", res.Metadata.MemoryMode)
	}
	if !pipe.closed {
		t.Error("pipeline not closed after run")
	}
}

func errOOMForTest() error { return device.ErrOutOfMemory }

func TestResultEmitMarkers(t *testing.T) {
	var buf bytes.Buffer
	res := &Result{Success: true, Images: []string{"/tmp/out.png"}, Metadata: &Metadata{Mode: "txt2img"}}
	if err := res.Emit(&buf); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	begin := strings.Index(out, ResultMarkerBegin)
	end := strings.Index(out, ResultMarkerEnd)
	if begin < 0 || end < begin {
		t.Fatalf("markers missing or out of order:\n%s", out)
	}

	body := out[begin+len(ResultMarkerBegin) : end]
	var parsed Result
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("payload between markers is not valid JSON: %v", err)
	}
	if !parsed.Success || parsed.Images[0] != "/tmp/out.png" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestEmitFailure(t *testing.T) {
	var buf bytes.Buffer
	if err := EmitFailure(&buf, core.ErrInvalidParams("steps out of range")); err != nil {
		t.Fatal(err)
	}
	var parsed Result
	body := buf.String()
	body = body[strings.Index(body, ResultMarkerBegin)+len(ResultMarkerBegin) : strings.Index(body, ResultMarkerEnd)]
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Success || parsed.Error == "" {
		t.Errorf("parsed = %+v", parsed)
	}
}
