package lora

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"sdgen/logging"
)

type fakeHost struct {
	loaded     map[string]string // name -> path
	setCalls   [][]string
	setWeights [][]float64
	// failPaths makes LoadAdapter reject specific adapter files.
	failPaths map[string]error
}

func newFakeHost() *fakeHost {
	return &fakeHost{loaded: make(map[string]string)}
}

func (h *fakeHost) LoadAdapter(path, name string) error {
	if err := h.failPaths[path]; err != nil {
		return err
	}
	h.loaded[name] = path
	return nil
}

func (h *fakeHost) SetAdapterWeights(names []string, weights []float64) error {
	h.setCalls = append(h.setCalls, names)
	h.setWeights = append(h.setWeights, weights)
	return nil
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("adapter"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNormalizePadsWeights(t *testing.T) {
	tests := []struct {
		name    string
		paths   []string
		weights []float64
		want    []float64
	}{
		{"pad missing", []string{"a", "b"}, []float64{0.8}, []float64{0.8, 1.0}},
		{"exact", []string{"a", "b"}, []float64{0.5, 0.6}, []float64{0.5, 0.6}},
		{"all default", []string{"a", "b", "c"}, nil, []float64{1.0, 1.0, 1.0}},
		{"surplus ignored", []string{"a"}, []float64{0.3, 0.9}, []float64{0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs := Normalize(tt.paths, tt.weights)
			if len(reqs) != len(tt.paths) {
				t.Fatalf("got %d requests, want %d", len(reqs), len(tt.paths))
			}
			for i, req := range reqs {
				if req.Weight != tt.want[i] {
					t.Errorf("weight[%d] = %v, want %v", i, req.Weight, tt.want[i])
				}
			}
		})
	}
}

func TestComposeMultipleSetsWeightsOnce(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "style.safetensors")
	b := touch(t, dir, "detail.safetensors")

	host := newFakeHost()
	composer := NewComposer(logging.NewNopLogger())
	names, err := composer.Compose(host, Normalize([]string{a, b}, []float64{0.8}))
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(names, []string{"lora_0", "lora_1"}) {
		t.Errorf("names = %v", names)
	}
	if len(host.setCalls) != 1 {
		t.Fatalf("SetAdapterWeights called %d times, want exactly 1", len(host.setCalls))
	}
	if !reflect.DeepEqual(host.setWeights[0], []float64{0.8, 1.0}) {
		t.Errorf("weights = %v, want [0.8 1.0]", host.setWeights[0])
	}
}

func TestComposeSingleDefaultWeightSkipsSet(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "style.safetensors")

	host := newFakeHost()
	composer := NewComposer(logging.NewNopLogger())
	names, err := composer.Compose(host, Normalize([]string{a}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 {
		t.Fatalf("names = %v", names)
	}
	if len(host.setCalls) != 0 {
		t.Error("weight 1.0 on a single adapter should not trigger a set call")
	}
}

func TestComposeSingleCustomWeightSets(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "style.safetensors")

	host := newFakeHost()
	composer := NewComposer(logging.NewNopLogger())
	if _, err := composer.Compose(host, Normalize([]string{a}, []float64{0.5})); err != nil {
		t.Fatal(err)
	}
	if len(host.setCalls) != 1 || host.setWeights[0][0] != 0.5 {
		t.Errorf("set calls = %v %v", host.setCalls, host.setWeights)
	}
}

func TestComposeSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "present.safetensors")
	missing := filepath.Join(dir, "absent.safetensors")

	host := newFakeHost()
	composer := NewComposer(logging.NewNopLogger())
	names, err := composer.Compose(host, Normalize([]string{missing, a}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"lora_1"}) {
		t.Errorf("names = %v, want [lora_1] (index preserved)", names)
	}
	if len(host.loaded) != 1 {
		t.Errorf("loaded = %v", host.loaded)
	}
}

func TestComposeSkipsUnreadableAdapter(t *testing.T) {
	dir := t.TempDir()
	bad := touch(t, dir, "corrupt.safetensors")
	good := touch(t, dir, "style.safetensors")

	host := newFakeHost()
	host.failPaths = map[string]error{bad: errors.New("unexpected end of file")}
	composer := NewComposer(logging.NewNopLogger())
	names, err := composer.Compose(host, Normalize([]string{bad, good}, []float64{0.4, 0.6}))
	if err != nil {
		t.Fatalf("an unreadable adapter must not fail the request: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"lora_1"}) {
		t.Errorf("names = %v, want [lora_1]", names)
	}
	if host.loaded["lora_1"] != good {
		t.Errorf("loaded = %v, want the readable adapter", host.loaded)
	}
	if len(host.setCalls) != 1 || !reflect.DeepEqual(host.setWeights[0], []float64{0.6}) {
		t.Errorf("set calls = %v %v, want a single set with the surviving weight", host.setCalls, host.setWeights)
	}
}

func TestComposeNothingLoadedNoMutation(t *testing.T) {
	host := newFakeHost()
	composer := NewComposer(logging.NewNopLogger())
	names, err := composer.Compose(host, Normalize([]string{"/nope/a", "/nope/b"}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 || len(host.setCalls) != 0 {
		t.Errorf("expected no mutation, got names=%v sets=%v", names, host.setCalls)
	}
}
