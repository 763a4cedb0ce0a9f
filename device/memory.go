package device

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"sdgen/core"
	"sdgen/logging"
)

// Mode is the execution strategy chosen from the memory plan and refined by
// the fallback controller at runtime.
type Mode string

const (
	// ModeStandard loads the whole pipeline on the selected backend.
	ModeStandard Mode = "standard"
	// ModeAttentionSlicing keeps the model resident but chunks the
	// attention computation to cap peak allocations.
	ModeAttentionSlicing Mode = "attention_slicing"
	// ModeSequentialOffload streams submodules to the backend one at a
	// time, trading throughput for a minimal resident footprint.
	ModeSequentialOffload Mode = "sequential_offload"
	// ModeModelOffload keeps whole submodules on the CPU and moves each to
	// the backend only while it runs.
	ModeModelOffload Mode = "model_offload"
)

// MemoryReader reports total system memory in bytes. Implementations probe
// the host; tests substitute a fixed value.
type MemoryReader interface {
	TotalBytes() (uint64, error)
}

// SystemMemoryReader probes the operating system for total physical memory.
// Linux reads /proc/meminfo; darwin shells out to sysctl.
type SystemMemoryReader struct{}

const sysctlTimeout = 5 * time.Second

func (SystemMemoryReader) TotalBytes() (uint64, error) {
	switch runtime.GOOS {
	case "linux":
		return readMeminfoTotal("/proc/meminfo")
	case "darwin":
		return readSysctlMemsize()
	default:
		return 0, fmt.Errorf("device: no memory probe for %s", runtime.GOOS)
	}
}

func readMeminfoTotal(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("device: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("device: parse MemTotal: %w", err)
		}
		return kb * uint64(core.BytesPerKB), nil
	}
	return 0, fmt.Errorf("device: MemTotal not found in %s", path)
}

func readSysctlMemsize() (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sysctlTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return 0, fmt.Errorf("device: sysctl hw.memsize: %w", err)
	}
	total, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("device: parse hw.memsize: %w", err)
	}
	return total, nil
}

// MemoryPlan is the budget decision made before the pipeline loads.
type MemoryPlan struct {
	ModelBytes  uint64
	SystemBytes uint64
	Ratio       float64
	LowMemory   bool
	Mode        Mode
	// AttentionSlicing chunks the attention computation to cap peak
	// allocations. It is independent of Mode.
	AttentionSlicing bool
}

// PlanMemory compares the on-disk model size against total system memory and
// chooses the initial execution mode. A model larger than threshold (default
// 0.75) of system memory counts as low-memory. Unified-memory GPUs always get
// attention slicing because the model and the framebuffer share one pool;
// the other backends get it only under memory pressure.
//
// A reader failure is logged and treated as not-low-memory rather than
// aborting the run.
func PlanMemory(modelBytes uint64, backend Backend, threshold float64, reader MemoryReader, logger *logging.Logger) MemoryPlan {
	if threshold <= 0 {
		threshold = core.DefaultLowMemoryThreshold
	}

	plan := MemoryPlan{ModelBytes: modelBytes, Mode: ModeStandard}

	total, err := reader.TotalBytes()
	if err != nil {
		logger.Warn("could not read system memory, assuming it is sufficient", zap.Error(err))
	} else if total > 0 {
		plan.SystemBytes = total
		plan.Ratio = float64(modelBytes) / float64(total)
		plan.LowMemory = plan.Ratio > threshold
	}

	if plan.LowMemory {
		// Unified-memory GPUs go straight to sequential offload; on other
		// backends the model stays resident and slicing alone bounds the peak.
		if backend == UnifiedGPU {
			plan.Mode = ModeSequentialOffload
		} else {
			plan.Mode = ModeAttentionSlicing
			plan.AttentionSlicing = true
		}
		logger.Warn("model is large relative to system memory",
			zap.String("model_size", core.FormatBytes(int64(modelBytes))),
			zap.String("system_memory", core.FormatBytes(int64(plan.SystemBytes))),
			zap.Float64("ratio", plan.Ratio))
	}

	// Unified-memory GPUs always slice: the model and the framebuffer share
	// one pool even when the plan is otherwise standard.
	if backend == UnifiedGPU {
		plan.AttentionSlicing = true
	}

	return plan
}

// StaticMemoryReader returns a fixed total. Test helper.
type StaticMemoryReader struct {
	Total uint64
	Err   error
}

func (r StaticMemoryReader) TotalBytes() (uint64, error) { return r.Total, r.Err }
