package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"sdgen/device"
	"sdgen/logging"
)

// PlaceWithFallback drives the placement state machine. It guarantees that a
// request which can complete within available memory does so, trading
// latency for footprint, while never masking a genuine incompatibility:
//
//   - Standard placement is attempted first, unless the memory plan already
//     calls for sequential offload (large model on a unified-memory GPU), in
//     which case offload is entered proactively.
//   - An out-of-memory failure escalates to sequential offload on the same
//     logical device.
//   - A meta-tensor failure (lazily loaded quantized checkpoint) escalates
//     to whole-model offload and pins the generator object to the CPU; the
//     offloaded submodules still compute on the original device.
//   - Both offload states are terminal: a failure there propagates.
//
// Returns the memory mode the pipeline ended up in.
func PlaceWithFallback(p Pipeline, profile device.Profile, plan device.MemoryPlan, logger *logging.Logger) (device.Mode, error) {
	if plan.AttentionSlicing {
		p.EnableAttentionSlicing()
		logger.Info("attention slicing enabled", zap.String("backend", string(profile.Backend)))
	}

	if plan.Mode == device.ModeSequentialOffload {
		logger.Info("entering sequential offload proactively (low-memory plan)")
		p.EnableSequentialOffload()
		if err := p.Place(profile.Backend, profile.Precision); err != nil {
			return "", fmt.Errorf("pipeline: placement with sequential offload: %w", err)
		}
		return device.ModeSequentialOffload, nil
	}

	err := p.Place(profile.Backend, profile.Precision)
	if err == nil {
		return plan.Mode, nil
	}

	switch {
	case device.IsOutOfMemory(err):
		logger.Warn("device out of memory during placement, escalating to sequential offload",
			zap.Error(err))
		p.EnableSequentialOffload()
		if err := p.Place(profile.Backend, profile.Precision); err != nil {
			return "", fmt.Errorf("pipeline: placement with sequential offload: %w", err)
		}
		return device.ModeSequentialOffload, nil

	case device.IsMetaTensor(err):
		logger.Warn("model still in meta representation, escalating to model offload with cpu generator",
			zap.Error(err))
		p.EnableModelOffload()
		p.SetGeneratorDevice(device.CPU)
		if err := p.Place(profile.Backend, profile.Precision); err != nil {
			return "", fmt.Errorf("pipeline: placement with model offload: %w", err)
		}
		return device.ModeModelOffload, nil

	default:
		return "", fmt.Errorf("pipeline: placement on %s: %w", profile.Backend, err)
	}
}
