//go:build wasip1

// Command denoiser is the WASM noise suppressor loaded by the "wasm" denoiser
// backend. Build it as a reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o denoiser.wasm ./wasm/denoiser
package main

import (
	"unsafe"

	"github.com/loqalabs/loqa-memo/internal/dsp/suppress"
)

var (
	frame      [suppress.MaxFrame]int16
	suppressor = suppress.New()
)

//go:wasmexport alloc_frame
func allocFrame() uint32 {
	return uint32(uintptr(unsafe.Pointer(&frame[0])))
}

//go:wasmexport denoise_frame
func denoiseFrame(ptr, n uint32) {
	if ptr != allocFrame() || n > suppress.MaxFrame {
		return
	}
	suppressor.Process(frame[:n])
}

func main() {}
