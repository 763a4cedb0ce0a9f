package device

import (
	"go.uber.org/zap"

	"sdgen/logging"
	"sdgen/modelspec"
)

// SelectBackend resolves the requested device selector to a concrete
// backend. Auto probes in priority order unified -> discrete -> cpu and
// takes the first available; an explicitly requested but unavailable GPU
// backend falls back to CPU with a warning rather than failing, matching
// how interactive callers expect the engine to behave on foreign hosts.
func SelectBackend(selector string, prober Prober, logger *logging.Logger) (Backend, error) {
	requested, auto, err := ParseRequest(selector)
	if err != nil {
		return "", err
	}

	if auto {
		for _, b := range []Backend{UnifiedGPU, DiscreteGPU, CPU} {
			if prober.Available(b) {
				logger.Info("auto-selected backend", zap.String("backend", string(b)))
				return b, nil
			}
		}
		return CPU, nil
	}

	if requested != CPU && !prober.Available(requested) {
		logger.Warn("requested backend unavailable, falling back to cpu",
			zap.String("requested", string(requested)))
		return CPU, nil
	}
	return requested, nil
}

// SelectPrecision applies the fixed precision policy for a (backend, family)
// pair. The rules are not negotiable at call time:
//
//   - unified + flow-matching: bf16 if a trial allocation succeeds, else fp32
//   - unified + anything else: fp32 — reduced precision produces black
//     output on this backend for classic families
//   - discrete: bf16 when the device reports support, else fp16
//   - cpu: fp16 in low-memory mode to halve the resident footprint, else fp32
func SelectPrecision(b Backend, family modelspec.Family, lowMemory bool, prober Prober, logger *logging.Logger) Precision {
	switch b {
	case UnifiedGPU:
		if family.IsFlowMatching() {
			if prober.SupportsBF16(UnifiedGPU) {
				logger.Info("using bf16 on unified-memory GPU (flow-matching model)")
				return BF16
			}
			logger.Info("bf16 allocation probe failed, using fp32")
			return FP32
		}
		return FP32

	case DiscreteGPU:
		if prober.SupportsBF16(DiscreteGPU) {
			return BF16
		}
		return FP16

	default: // CPU
		if lowMemory {
			logger.Info("using fp16 on cpu for large model")
			return FP16
		}
		return FP32
	}
}

// ValidPrecisions returns the set of precisions that are safe for a
// (backend, family) pair. The policy output is always drawn from this set.
// This is a pure function with no side effects.
func ValidPrecisions(b Backend, family modelspec.Family) []Precision {
	switch b {
	case UnifiedGPU:
		if family.IsFlowMatching() {
			return []Precision{BF16, FP32}
		}
		return []Precision{FP32}
	case DiscreteGPU:
		return []Precision{BF16, FP16}
	default:
		return []Precision{FP32, FP16}
	}
}
