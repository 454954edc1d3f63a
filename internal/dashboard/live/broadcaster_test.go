package live_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tracepackd/tracepackd/internal/dashboard/live"
)

func newTestBroadcaster() *live.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return live.NewBroadcaster(logger, 16)
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestPublish_DeliversToAllRegisteredClients(t *testing.T) {
	bc := newTestBroadcaster()
	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Close()

	bc.Publish(live.Event{Host: "host-a", Phase: live.PhaseArming, Timestamp: time.Unix(0, 0).UTC()})

	for _, c := range []*live.Client{c1, c2} {
		select {
		case raw := <-c.Send():
			var evt live.Event
			if err := json.Unmarshal(raw, &evt); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if evt.Phase != live.PhaseArming || evt.Host != "host-a" {
				t.Fatalf("unexpected event: %+v", evt)
			}
		default:
			t.Fatalf("client %s did not receive the published event", c.ID())
		}
	}
}

func TestPublish_DropsWhenClientBufferFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := live.NewBroadcaster(logger, 1)
	c := bc.Register("slow")
	defer bc.Close()

	bc.Publish(live.Event{Phase: live.PhaseWaiting})
	bc.Publish(live.Event{Phase: live.PhaseDraining})

	if got := c.Dropped.Load(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestClose_ClosesAllClientChannels(t *testing.T) {
	bc := newTestBroadcaster()
	c := bc.Register("c1")
	bc.Close()

	select {
	case _, ok := <-c.Send():
		if ok {
			t.Error("expected channel closed after Close")
		}
	default:
		t.Error("expected channel to be readable (closed) after Close")
	}

	bc.Publish(live.Event{Phase: live.PhaseDone})
}
