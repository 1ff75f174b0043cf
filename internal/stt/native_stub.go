//go:build !whisper

package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

// NativeWindowRuntime is unavailable in builds without the whisper tag.
type NativeWindowRuntime struct{}

func NewNativeWindowRuntime(string, string, int) *NativeWindowRuntime {
	return &NativeWindowRuntime{}
}

func (r *NativeWindowRuntime) Available() bool { return false }

func (r *NativeWindowRuntime) Window(context.Context, WindowRequest) (WindowChunk, error) {
	return WindowChunk{}, failure.New(failure.NativeUnavailable, "native window", errors.New("built without the whisper tag"))
}

func (r *NativeWindowRuntime) Close() error { return nil }
