package weights

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"sdgen/logging"
)

// Quantized exports fuse the per-head attention projections into one tensor
// and use pre-refactor auxiliary names; the pipeline loader expects them
// split and renamed.
const (
	fusedQKVSuffix = ".attention.qkv.weight"

	// WeightFileName is the transformer weight file inside a multi-part
	// model directory.
	WeightFileName = "diffusion_pytorch_model.safetensors"
	// TransformerDir is the subcomponent the remap applies to.
	TransformerDir = "transformer"

	remappedSuffix = "_remapped"
	backupSuffix   = "_original"
)

var auxiliaryRenames = map[string]string{
	".attention.out.weight":    ".attention.to_out.0.weight",
	".attention.q_norm.weight": ".attention.norm_q.weight",
	".attention.k_norm.weight": ".attention.norm_k.weight",
}

// ErrConversion marks a structural failure while rewriting the weight table.
// Callers treat it as non-fatal and load the original file instead.
var ErrConversion = errors.New("weights: conversion failed")

// Result reports what the remap did and which file the loader should use.
type Result struct {
	// Path is the weight file to load: the original when no remap was
	// needed, otherwise the original path again, now a symlink to the cache.
	Path string
	// Applied is true when the fused layout was detected and rewritten
	// (or an existing cache was adopted).
	Applied bool
	// CachePath is the remapped sibling file, set when Applied.
	CachePath string
}

// Adapter rewrites fused-attention weight tables to the split layout.
type Adapter struct {
	logger *logging.Logger
}

func NewAdapter(logger *logging.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// RemapModel checks a multi-part model directory for a transformer weight
// file and remaps it if needed. Models without a transformer component are
// a no-op.
func (a *Adapter) RemapModel(modelDir string) (Result, error) {
	weightPath := filepath.Join(modelDir, TransformerDir, WeightFileName)
	if _, err := os.Lstat(weightPath); err != nil {
		return Result{Path: ""}, nil
	}
	return a.Remap(weightPath)
}

// Remap splits fused query-key-value tensors in the file at path, writes the
// result to a sibling cache file, backs up the original, and replaces it
// with a symlink to the cache. A file whose table has no fused keys is left
// untouched. Safe to call again on an already-remapped model: the symlink is
// detected and nothing is rewritten.
func (a *Adapter) Remap(path string) (Result, error) {
	if linked, err := isSymlink(path); err != nil {
		return Result{Path: path}, fmt.Errorf("%w: %v", ErrConversion, err)
	} else if linked {
		a.logger.Debug("weight file already remapped", zap.String("path", path))
		return Result{Path: path, Applied: true, CachePath: cachePath(path)}, nil
	}

	table, err := ReadTable(path)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("%w: %v", ErrConversion, err)
	}

	if !needsRemap(table) {
		a.logger.Info("no weight remapping needed", zap.String("path", path))
		return Result{Path: path}, nil
	}

	a.logger.Info("fused attention weights detected, splitting into to_q/to_k/to_v",
		zap.String("path", path))

	remapped, err := remapTable(table)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("%w: %v", ErrConversion, err)
	}

	cache := cachePath(path)
	if err := a.writeCache(cache, remapped); err != nil {
		return Result{Path: path}, fmt.Errorf("%w: %v", ErrConversion, err)
	}

	if err := a.installSymlink(path, cache); err != nil {
		return Result{Path: path}, fmt.Errorf("%w: %v", ErrConversion, err)
	}

	a.logger.Info("weight remap complete",
		zap.String("cache", cache), zap.Int("tensors", len(remapped.Tensors)))
	return Result{Path: path, Applied: true, CachePath: cache}, nil
}

func needsRemap(table *Table) bool {
	for _, t := range table.Tensors {
		if strings.HasSuffix(t.Name, fusedQKVSuffix) {
			return true
		}
	}
	return false
}

// remapTable is a pure transformation of the weight table: fused qkv tensors
// are split into three equal leading-dimension slices, auxiliary keys are
// renamed, everything else passes through.
func remapTable(table *Table) (*Table, error) {
	out := &Table{Metadata: table.Metadata}
	for _, t := range table.Tensors {
		switch {
		case strings.HasSuffix(t.Name, fusedQKVSuffix):
			q, k, v, err := splitQKV(t)
			if err != nil {
				return nil, err
			}
			out.Tensors = append(out.Tensors, q, k, v)
		default:
			renamed := t
			for oldSuffix, newSuffix := range auxiliaryRenames {
				if strings.HasSuffix(t.Name, oldSuffix) {
					renamed.Name = strings.TrimSuffix(t.Name, oldSuffix) + newSuffix
					break
				}
			}
			out.Tensors = append(out.Tensors, renamed)
		}
	}
	return out, nil
}

// splitQKV cuts a fused [3*hidden, ...] tensor into three contiguous
// leading-dimension slices.
func splitQKV(t Tensor) (q, k, v Tensor, err error) {
	if len(t.Shape) == 0 || t.Shape[0]%3 != 0 {
		return q, k, v, fmt.Errorf("fused tensor %q has leading dimension %v not divisible by 3", t.Name, t.Shape)
	}
	if len(t.Data)%3 != 0 {
		return q, k, v, fmt.Errorf("fused tensor %q has %d payload bytes not divisible by 3", t.Name, len(t.Data))
	}

	third := len(t.Data) / 3
	shape := append([]int64{t.Shape[0] / 3}, t.Shape[1:]...)
	base := strings.TrimSuffix(t.Name, ".qkv.weight")

	mk := func(name string, data []byte) Tensor {
		return Tensor{Name: name, DType: t.DType, Shape: shape, Data: data}
	}
	return mk(base+".to_q.weight", t.Data[:third]),
		mk(base+".to_k.weight", t.Data[third:2*third]),
		mk(base+".to_v.weight", t.Data[2*third:]),
		nil
}

// writeCache publishes the remapped table at cache atomically. The partial
// file is created with O_EXCL so concurrent first-time runs against the same
// model cannot interleave writes; a loser either finds the finished cache and
// reuses it, or finds the in-flight partial and backs off to the original.
func (a *Adapter) writeCache(cache string, table *Table) error {
	if _, err := os.Stat(cache); err == nil {
		a.logger.Info("using existing remapped weights", zap.String("cache", cache))
		return nil
	}

	partial := cache + ".partial"
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("remap already in progress (found %s)", partial)
		}
		return err
	}

	if err := WriteTable(f, table); err != nil {
		f.Close()
		os.Remove(partial)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return err
	}
	return os.Rename(partial, cache)
}

// installSymlink backs up the original weight file and replaces it with a
// relative symlink to the cache, making the remap transparent to the loader.
func (a *Adapter) installSymlink(original, cache string) error {
	backup := backupPath(original)
	if _, err := os.Lstat(backup); os.IsNotExist(err) {
		if err := os.Rename(original, backup); err != nil {
			return err
		}
		a.logger.Info("backed up original weights", zap.String("backup", backup))
	} else if _, err := os.Lstat(original); err == nil {
		if err := os.Remove(original); err != nil {
			return err
		}
	}
	return os.Symlink(filepath.Base(cache), original)
}

func cachePath(path string) string {
	return siblingPath(path, remappedSuffix)
}

func backupPath(path string) string {
	return siblingPath(path, backupSuffix)
}

func siblingPath(path, suffix string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return stem + suffix + ext
}

func isSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	return info.Mode()&os.ModeSymlink != 0, nil
}
