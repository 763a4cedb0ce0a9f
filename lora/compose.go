// Package lora loads low-rank adapters into a pipeline and sets their
// composed weights. Adapters stay swappable; permanent fusion into the base
// weights is the job of a separate conversion tool.
package lora

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"sdgen/logging"
)

// Request pairs an adapter file with its scalar weight.
type Request struct {
	Path   string
	Weight float64
}

// AdapterHost is the slice of the pipeline surface the composer mutates.
type AdapterHost interface {
	LoadAdapter(path, name string) error
	SetAdapterWeights(names []string, weights []float64) error
}

// Normalize pairs paths with weights, padding a short weight list with 1.0
// and ignoring surplus weights. A caller passing three adapters and one
// weight gets [w, 1.0, 1.0].
func Normalize(paths []string, weights []float64) []Request {
	out := make([]Request, len(paths))
	for i, p := range paths {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		out[i] = Request{Path: p, Weight: w}
	}
	return out
}

// Composer applies adapter requests to a pipeline.
type Composer struct {
	logger *logging.Logger
}

func NewComposer(logger *logging.Logger) *Composer {
	return &Composer{logger: logger}
}

// Compose loads every existing adapter under a synthetic per-index name and
// sets the active weights. A missing or unreadable adapter file is skipped
// with a warning, not an error; generation proceeds with whatever loaded.
// When more than one adapter loads, all weights are set in a
// single call: the underlying libraries normalize weights relative to the
// full active set, so sequential per-adapter calls would compose wrongly.
// Returns the names of the adapters actually loaded.
func (c *Composer) Compose(host AdapterHost, requests []Request) ([]string, error) {
	var names []string
	var weights []float64

	for i, req := range requests {
		if _, err := os.Stat(req.Path); err != nil {
			c.logger.Warn("lora adapter not found, skipping",
				zap.String("path", req.Path), zap.Error(err))
			continue
		}
		name := fmt.Sprintf("lora_%d", i)
		if err := host.LoadAdapter(req.Path, name); err != nil {
			c.logger.Warn("lora adapter failed to load, skipping",
				zap.String("path", req.Path), zap.Error(err))
			continue
		}
		c.logger.Info("loaded lora adapter",
			zap.String("path", req.Path),
			zap.String("name", name),
			zap.Float64("weight", req.Weight))
		names = append(names, name)
		weights = append(weights, req.Weight)
	}

	switch {
	case len(names) > 1:
		if err := host.SetAdapterWeights(names, weights); err != nil {
			return names, fmt.Errorf("lora: set adapter weights: %w", err)
		}
	case len(names) == 1 && weights[0] != 1.0:
		if err := host.SetAdapterWeights(names, weights); err != nil {
			return names, fmt.Errorf("lora: set adapter weight: %w", err)
		}
	}
	return names, nil
}
