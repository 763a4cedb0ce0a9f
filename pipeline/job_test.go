package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"sdgen/core"
)

func validRequest(t *testing.T) Request {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "model.safetensors")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return Request{
		ModelPath:  model,
		Prompt:     "a red bicycle",
		OutputPath: filepath.Join(dir, "out.png"),
		Scheduler:  "euler",
		Steps:      DefaultSteps,
		Guidance:   DefaultGuidance,
		Width:      DefaultSize,
		Height:     DefaultSize,
		Seed:       -1,
		Count:      1,
		Strength:   DefaultStrength,
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Request)
		wantCode string
	}{
		{"valid", func(r *Request) {}, ""},
		{"missing model", func(r *Request) { r.ModelPath = "/nope" }, core.ErrCodeModelNotFound},
		{"empty prompt", func(r *Request) { r.Prompt = "" }, core.ErrCodeInvalidParams},
		{"empty output", func(r *Request) { r.OutputPath = "" }, core.ErrCodeInvalidParams},
		{"width too small", func(r *Request) { r.Width = 32 }, core.ErrCodeInvalidParams},
		{"width not multiple of 8", func(r *Request) { r.Width = 500 }, core.ErrCodeInvalidParams},
		{"height too large", func(r *Request) { r.Height = 4096 }, core.ErrCodeInvalidParams},
		{"zero steps", func(r *Request) { r.Steps = 0 }, core.ErrCodeInvalidParams},
		{"steps too high", func(r *Request) { r.Steps = 500 }, core.ErrCodeInvalidParams},
		{"negative guidance", func(r *Request) { r.Guidance = -1 }, core.ErrCodeInvalidParams},
		{"zero count", func(r *Request) { r.Count = 0 }, core.ErrCodeInvalidParams},
		{"missing input image", func(r *Request) { r.InputImage = "/nope.png" }, core.ErrCodeInputImageNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(t)
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			ve, ok := core.IsValidationError(err)
			if !ok {
				t.Fatalf("err = %v, want validation error", err)
			}
			if ve.Code != tt.wantCode {
				t.Errorf("code = %v, want %v", ve.Code, tt.wantCode)
			}
		})
	}
}

func TestRequestValidateStrengthBounds(t *testing.T) {
	req := validRequest(t)
	src := filepath.Join(filepath.Dir(req.ModelPath), "src.png")
	if err := os.WriteFile(src, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	req.InputImage = src
	req.Strength = 1.5

	err := req.Validate()
	ve, ok := core.IsValidationError(err)
	if !ok || ve.Code != core.ErrCodeInvalidParams {
		t.Errorf("err = %v", err)
	}
}

func TestOutputPaths(t *testing.T) {
	single := OutputPaths("/tmp/cat.png", 1)
	if len(single) != 1 || single[0] != "/tmp/cat.png" {
		t.Errorf("single = %v", single)
	}
	multi := OutputPaths("/tmp/cat.png", 2)
	if multi[0] != "/tmp/cat_1.png" || multi[1] != "/tmp/cat_2.png" {
		t.Errorf("multi = %v", multi)
	}
}
