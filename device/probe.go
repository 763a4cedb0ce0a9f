package device

import (
	"bytes"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Prober answers backend availability and bf16 capability questions.
// Implementations must be side-effect free apart from the trial allocation
// the bf16 probe performs.
type Prober interface {
	// Available reports whether the backend can be used at all.
	Available(b Backend) bool
	// SupportsBF16 reports whether the backend can actually construct a
	// bf16 tensor. For the unified-memory backend this must be answered by
	// a trial allocation, not a capability flag: the flags are unreliable
	// there.
	SupportsBF16(b Backend) bool
}

// AllocProbe attempts a bf16 allocation on a backend and returns an error
// when the allocation fails. The pipeline runtime registers the real probe
// at init time; without one the probe is treated as failed and the policy
// falls back to fp32.
type AllocProbe func(b Backend) error

var (
	allocProbeMu sync.RWMutex
	allocProbe   AllocProbe
)

// RegisterAllocProbe installs the trial-allocation probe used for unified
// memory bf16 detection. Later registrations replace earlier ones.
func RegisterAllocProbe(p AllocProbe) {
	allocProbeMu.Lock()
	defer allocProbeMu.Unlock()
	allocProbe = p
}

func runAllocProbe(b Backend) error {
	allocProbeMu.RLock()
	p := allocProbe
	allocProbeMu.RUnlock()
	if p == nil {
		return fmt.Errorf("no allocation probe registered for %s", b)
	}
	return p(b)
}

// SystemProber probes the real host. Results are memoized per process:
// availability and capability do not change within one run, and the trial
// allocation is not free.
type SystemProber struct {
	// NvidiaSMIPath overrides the nvidia-smi executable. Empty uses PATH.
	NvidiaSMIPath string

	unifiedOnce sync.Once
	unifiedOK   bool

	discreteOnce sync.Once
	discreteOK   bool
	discreteBF16 bool

	bf16Once sync.Once
	bf16OK   bool
}

// NewSystemProber creates a prober for the current host.
func NewSystemProber() *SystemProber {
	return &SystemProber{}
}

// Available reports whether the backend can be used on this host.
func (p *SystemProber) Available(b Backend) bool {
	switch b {
	case CPU:
		return true
	case UnifiedGPU:
		p.unifiedOnce.Do(func() {
			// Unified-memory GPU means Apple silicon here.
			p.unifiedOK = runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
		})
		return p.unifiedOK
	case DiscreteGPU:
		p.probeDiscrete()
		return p.discreteOK
	default:
		return false
	}
}

// SupportsBF16 reports bf16 capability for the backend.
// Unified memory: by trial allocation, memoized. Discrete: from the
// reported compute capability. CPU: never (fp16 is the reduced option).
func (p *SystemProber) SupportsBF16(b Backend) bool {
	switch b {
	case UnifiedGPU:
		p.bf16Once.Do(func() {
			p.bf16OK = runAllocProbe(UnifiedGPU) == nil
		})
		return p.bf16OK
	case DiscreteGPU:
		p.probeDiscrete()
		return p.discreteBF16
	default:
		return false
	}
}

// probeDiscrete queries nvidia-smi once for presence and compute capability.
// Ampere (compute capability 8.0) and newer support bf16.
func (p *SystemProber) probeDiscrete() {
	p.discreteOnce.Do(func() {
		smi := p.NvidiaSMIPath
		if smi == "" {
			smi = "nvidia-smi"
		}

		cmd := exec.Command(smi, "--query-gpu=compute_cap", "--format=csv,noheader")
		var out bytes.Buffer
		cmd.Stdout = &out

		done := make(chan error, 1)
		if err := cmd.Start(); err != nil {
			return
		}
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				return
			}
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			return
		}

		cap := strings.TrimSpace(strings.SplitN(out.String(), "\n", 2)[0])
		if cap == "" {
			return
		}
		p.discreteOK = true
		if major, err := strconv.Atoi(strings.SplitN(cap, ".", 2)[0]); err == nil {
			p.discreteBF16 = major >= 8
		}
	})
}

// StaticProber is a fixed-answer prober for tests and forced configurations.
type StaticProber struct {
	Availability map[Backend]bool
	BF16         map[Backend]bool
}

// Available reports the configured availability; CPU is always available.
func (p *StaticProber) Available(b Backend) bool {
	if b == CPU {
		return true
	}
	return p.Availability[b]
}

// SupportsBF16 reports the configured capability.
func (p *StaticProber) SupportsBF16(b Backend) bool {
	return p.BF16[b]
}
