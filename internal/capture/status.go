package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-memo/internal/bus"
	"github.com/loqalabs/loqa-memo/internal/protocol"
)

// State is a capture session lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// Status is the user-facing health of a session.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusIdle    Status = "idle"
)

// Broadcaster fans status updates out to in-process listeners and, when a
// bus is configured, to protocol.SubjectCaptureStatus. Delivery is best
// effort.
type Broadcaster struct {
	bus *bus.Client
	log *slog.Logger

	mu        sync.RWMutex
	listeners []func(protocol.CaptureStatus)
	last      protocol.CaptureStatus
}

func NewBroadcaster(client *bus.Client, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:  client,
		log:  log,
		last: protocol.CaptureStatus{State: string(StateIdle), Status: string(StatusIdle)},
	}
}

// Subscribe registers fn for every later update. Listeners run on the
// capture goroutine and must not block.
func (b *Broadcaster) Subscribe(fn func(protocol.CaptureStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Last returns the most recent update.
func (b *Broadcaster) Last() protocol.CaptureStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

func (b *Broadcaster) publish(update protocol.CaptureStatus) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	b.last = update
	listeners := append([]func(protocol.CaptureStatus){}, b.listeners...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(update)
	}
	if b.bus != nil {
		if err := b.bus.PublishJSON(protocol.SubjectCaptureStatus, update); err != nil {
			b.log.Warn("failed to publish capture status", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
