package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Backoff constants for bus reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// writeWait is time allowed to write one event frame
const writeWait = 10 * time.Second

// BusEmitter publishes events to the external pub/sub bus over a websocket.
// The connection is dialed lazily and redialed after failures; a failed
// write is reported once and the next Emit retries the dial.
type BusEmitter struct {
	url      string
	conn     *websocket.Conn
	attempts int
	lastTry  time.Time
	mu       sync.Mutex
}

// NewBusEmitter creates a bus emitter for the given websocket URL
func NewBusEmitter(url string) *BusEmitter {
	return &BusEmitter{url: url}
}

// Emit publishes one event. Returns an error when the bus is unreachable;
// callers treat that as a best-effort failure.
func (b *BusEmitter) Emit(e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		if err := b.dial(); err != nil {
			return err
		}
	}

	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteJSON(e); err != nil {
		b.conn.Close()
		b.conn = nil
		return fmt.Errorf("writing event %s: %w", e.EventType, err)
	}
	b.attempts = 0
	return nil
}

// dial connects to the bus, honoring the backoff window between attempts
func (b *BusEmitter) dial() error {
	if delay := calculateBackoff(b.attempts); b.attempts > 0 && time.Since(b.lastTry) < delay {
		return fmt.Errorf("event bus backoff: retrying in %v", delay-time.Since(b.lastTry))
	}
	b.lastTry = time.Now()

	conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
	if err != nil {
		b.attempts++
		return fmt.Errorf("dialing event bus: %w", err)
	}
	b.attempts = 0
	b.conn = conn
	return nil
}

// Close shuts down the bus connection
func (b *BusEmitter) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
