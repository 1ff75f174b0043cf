//go:build !whisper

package stt

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

func TestNativeRuntimeWithoutTagIsUnavailable(t *testing.T) {
	rt := NewNativeWindowRuntime(t.TempDir(), "fr", 1)
	if rt.Available() {
		t.Fatal("native runtime should be unavailable")
	}
	_, err := rt.Window(context.Background(), WindowRequest{})
	if !errors.Is(err, failure.ErrNativeUnavailable) {
		t.Fatalf("expected native unavailable, got %v", err)
	}
}
