package dsp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmModel runs a frame noise suppressor compiled to WebAssembly, such as
// the one in wasm/denoiser. The module must export its memory plus:
//
//	alloc_frame() i32                 -> offset of a frame buffer of 16-bit samples
//	denoise_frame(ptr i32, n i32)     -> denoise n little-endian samples in place
type WasmModel struct {
	ctx     context.Context
	rt      wazero.Runtime
	module  api.Module
	denoise api.Function
	ptr     uint32
	size    int
	scratch []byte
}

// NewWasmModel compiles and instantiates the module at path.
func NewWasmModel(ctx context.Context, path string, frameSize int) (*WasmModel, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denoiser module: %w", err)
	}
	return newWasmModel(ctx, code, frameSize)
}

func newWasmModel(ctx context.Context, code []byte, frameSize int) (*WasmModel, error) {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile denoiser module: %w", err)
	}
	cfg := wazero.NewModuleConfig().
		WithName("denoiser").
		WithStartFunctions("_initialize")
	module, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate denoiser module: %w", err)
	}

	m := &WasmModel{ctx: ctx, rt: rt, module: module, size: frameSize, scratch: make([]byte, frameSize*2)}
	if err := m.bind(); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return m, nil
}

func (m *WasmModel) bind() error {
	alloc := m.module.ExportedFunction("alloc_frame")
	m.denoise = m.module.ExportedFunction("denoise_frame")
	if alloc == nil || m.denoise == nil {
		return errors.New("denoiser module must export alloc_frame and denoise_frame")
	}
	mem := m.module.Memory()
	if mem == nil {
		return errors.New("denoiser module has no memory")
	}
	res, err := alloc.Call(m.ctx)
	if err != nil {
		return fmt.Errorf("alloc_frame: %w", err)
	}
	if len(res) != 1 {
		return errors.New("alloc_frame must return one value")
	}
	m.ptr = api.DecodeU32(res[0])
	if uint64(m.ptr)+uint64(m.size*2) > uint64(mem.Size()) {
		return fmt.Errorf("frame buffer at %d exceeds module memory (%d bytes)", m.ptr, mem.Size())
	}
	return nil
}

func (m *WasmModel) FrameSize() int { return m.size }

func (m *WasmModel) DenoiseFrame(frame []int16) error {
	if len(frame) > m.size {
		return fmt.Errorf("frame of %d samples exceeds %d", len(frame), m.size)
	}
	buf := m.scratch[:len(frame)*2]
	for i, s := range frame {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	mem := m.module.Memory()
	if !mem.Write(m.ptr, buf) {
		return errors.New("write frame into module memory")
	}
	if _, err := m.denoise.Call(m.ctx, api.EncodeU32(m.ptr), api.EncodeU32(uint32(len(frame)))); err != nil {
		return fmt.Errorf("denoise_frame: %w", err)
	}
	out, ok := mem.Read(m.ptr, uint32(len(buf)))
	if !ok {
		return errors.New("read frame from module memory")
	}
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	return nil
}

func (m *WasmModel) Close() error {
	if m == nil || m.rt == nil {
		return nil
	}
	return m.rt.Close(m.ctx)
}
