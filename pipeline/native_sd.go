//go:build sd && cgo

// Native runtime bound to stable-diffusion.cpp.
// Build with: CGO_ENABLED=1 go build -tags sd
//
// Prerequisites:
//  1. stable-diffusion.cpp compiled as a shared library
//  2. CGO_CFLAGS pointing at the header, CGO_LDFLAGS at the build dir:
//     CGO_CFLAGS="-I${SD_CPP_PATH}" \
//     CGO_LDFLAGS="-L${SD_CPP_PATH}/build -lstable-diffusion" \
//     go build -tags sd

package pipeline

/*
#cgo CFLAGS: -I${SRCDIR}/../vendor/stable-diffusion.cpp
#cgo LDFLAGS: -L${SRCDIR}/../vendor/stable-diffusion.cpp/build -lstable-diffusion

// NOTE: The actual header include is commented out until the library is
// integrated. When stable-diffusion.cpp lands, uncomment:
//
// #include <stable-diffusion.h>
// #include <stdlib.h>
//
// Placeholder declarations so the file parses; the real ones come from the
// header. Commented to prevent linker errors until the library is available:
//
// extern sd_ctx_t* sd_ctx_create(const char* model_path, int precision, int device);
// extern void sd_ctx_free(sd_ctx_t* ctx);
// extern int sd_try_alloc_bf16(int device);
// extern uint8_t* sd_generate(sd_ctx_t* ctx, const char* params_json,
//                             int* out_width, int* out_height, char** out_error);
// extern void sd_free_image(uint8_t* img);

#include <stdlib.h>
#include <stdint.h>

typedef void* sd_ctx_t;
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"image"
	"unsafe"

	"sdgen/device"
	"sdgen/logging"
	"sdgen/modelspec"
	"sdgen/sched"
)

func init() {
	// bf16 support must be answered by a real trial allocation in the native
	// library; capability flags are unreliable on unified-memory backends.
	device.RegisterAllocProbe(func(b device.Backend) error {
		// TODO: wire to C.sd_try_alloc_bf16 when the library is integrated
		return errors.New("pipeline: native bf16 probe not yet wired")
	})
}

// NewLoader returns the native loader when the binary carries the sd tag.
func NewLoader(logger *logging.Logger) Loader {
	return &nativeLoader{logger: logger}
}

type nativeLoader struct {
	logger *logging.Logger
}

func (l *nativeLoader) Load(desc *modelspec.Descriptor, profile device.Profile) (Pipeline, error) {
	cPath := C.CString(desc.Path)
	defer C.free(unsafe.Pointer(cPath))

	// TODO: Uncomment when the library is available:
	// cCtx := C.sd_ctx_create(cPath, C.int(precisionCode(profile.Precision)),
	//     C.int(backendCode(profile.Backend)))
	// if cCtx == nil {
	//     return nil, fmt.Errorf("pipeline: native context creation failed for %s", desc.Path)
	// }

	return nil, fmt.Errorf("pipeline: stable-diffusion.cpp bindings not yet integrated for %s", desc.Path)
}

func backendCode(b device.Backend) int {
	switch b {
	case device.UnifiedGPU:
		return 1
	case device.DiscreteGPU:
		return 2
	default:
		return 0
	}
}

func precisionCode(p device.Precision) int {
	switch p {
	case device.FP16:
		return 1
	case device.BF16:
		return 2
	default:
		return 0
	}
}

// nativePipeline will hold the C context once the bindings are wired. The
// method set mirrors the reference runtime so the driver is oblivious to
// which runtime it drives.
type nativePipeline struct {
	logger   *logging.Logger
	desc     *modelspec.Descriptor
	ctx      C.sd_ctx_t
	schedCfg sched.Config
}

func (p *nativePipeline) SchedulerConfig() sched.Config          { return p.schedCfg.Clone() }
func (p *nativePipeline) SetScheduler(res *sched.Resolution)     {}
func (p *nativePipeline) EnableSequentialOffload()               {}
func (p *nativePipeline) EnableModelOffload()                    {}
func (p *nativePipeline) EnableAttentionSlicing()                {}
func (p *nativePipeline) SetGeneratorDevice(b device.Backend)    {}
func (p *nativePipeline) LoadAdapter(path, name string) error    { return errNativePending }
func (p *nativePipeline) SetAdapterWeights(n []string, w []float64) error {
	return errNativePending
}

func (p *nativePipeline) Place(backend device.Backend, precision device.Precision) error {
	return errNativePending
}

func (p *nativePipeline) Generate(ctx context.Context, job Job) ([]image.Image, error) {
	return nil, errNativePending
}

func (p *nativePipeline) Close() error { return nil }

var errNativePending = errors.New("pipeline: stable-diffusion.cpp bindings not yet integrated")
