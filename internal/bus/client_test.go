package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-memo/internal/bus/bustest"
	"github.com/loqalabs/loqa-memo/internal/protocol"
)

func TestPublishJSON(t *testing.T) {
	client := bustest.Connect(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}
	ch := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectCaptureStatus, ch)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := client.PublishJSON(protocol.SubjectCaptureStatus, protocol.CaptureStatus{State: "idle", Status: "idle"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		var status protocol.CaptureStatus
		if err := json.Unmarshal(msg.Data, &status); err != nil || status.Status != "idle" {
			t.Fatalf("unexpected message %s (%v)", msg.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
}

func TestEnsureStreamAndPersist(t *testing.T) {
	client := bustest.Connect(t)
	subjects := []string{protocol.SubjectTranscription + ".>"}
	if err := client.EnsureStream(protocol.StreamEvents, subjects, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	// idempotent
	if err := client.EnsureStream(protocol.StreamEvents, subjects, time.Hour); err != nil {
		t.Fatalf("ensure stream again: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event := protocol.TranscriptionEvent{RecordingID: 7, Status: "completed"}
	if err := client.Persist(ctx, protocol.TranscriptionSubject("completed"), event); err != nil {
		t.Fatalf("persist: %v", err)
	}
	info, err := client.JetStream().StreamInfo(protocol.StreamEvents)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs != 1 {
		t.Fatalf("expected 1 retained message, got %d", info.State.Msgs)
	}
}
