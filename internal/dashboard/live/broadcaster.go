// Package live provides the in-process broadcaster that fans a trace
// session's phase transitions out to connected dashboard clients without
// blocking the session controller.
//
//   - Each subscriber has a dedicated buffered channel of JSON-encoded phase
//     messages. A non-blocking send is used so a slow or disconnected
//     dashboard client never applies back-pressure to the session
//     controller.
//   - Named subscribers are tracked in a sync.Map keyed by subscriber ID to
//     allow concurrent reads without a global lock on the hot broadcast
//     path.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Phase names a session-controller phase transition (spec §4.7: "arming →
// waiting → draining → assembling → done").
type Phase string

const (
	PhaseArming     Phase = "arming"
	PhaseWaiting    Phase = "waiting"
	PhaseDraining   Phase = "draining"
	PhaseAssembling Phase = "assembling"
	PhaseDone       Phase = "done"
)

// Event is the JSON envelope pushed to dashboard clients for one phase
// transition.
type Event struct {
	Host      string    `json:"host"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// Client represents a single connected dashboard subscriber. It is created
// by Broadcaster.Register and is valid until Broadcaster.Unregister is
// called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded phase frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans session phase-transition events out to every registered
// dashboard client. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; pass 0 to use the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id and returns it. The
// caller must call Unregister(id) when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered dashboard clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish marshals evt to JSON and delivers it to every registered client
// using a non-blocking send. When a client's buffer is full the message is
// dropped and the client's Dropped counter is incremented.
func (b *Broadcaster) Publish(evt Event) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("live broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("live broadcaster: client buffer full, dropping phase event",
				slog.String("client_id", c.id))
		}
		return true
	})
}

// Close unregisters every client and closes their channels. After Close
// returns, Publish is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
