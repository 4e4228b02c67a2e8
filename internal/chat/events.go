package chat

import (
	"sync"
	"sync/atomic"
)

// UIEvent is the JSON shape pushed to the UI stream. Seq preserves the order
// in which the pipeline produced events within one session.
type UIEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	MessageID string      `json:"messageId,omitempty"`
	BlockID   string      `json:"blockId,omitempty"`
	Seq       int64       `json:"seq"`
	Payload   interface{} `json:"payload,omitempty"`
}

// UI event types.
const (
	UIBlockStart     = "block_start"
	UIBlockDelta     = "block_delta"
	UIBlockEnd       = "block_end"
	UIBlockError     = "block_error"
	UICancelled      = "cancelled"
	UIDone           = "done"
	UISummaryUpdated = "summary_updated"
	UIToolCallStart  = "tool_call_start"
	UIToolCallEnd    = "tool_call_end"
	UIToolCallError  = "tool_call_error"
	UIWorkerReady    = "worker_ready"
)

// Emitter delivers UI events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(event UIEvent)
}

// ChannelEmitter buffers events on a channel, the SSE handler's feed. Emit
// never blocks the pipeline: when the buffer is full the event is dropped and
// the drop counter incremented.
type ChannelEmitter struct {
	sessionID string
	seq       atomic.Int64
	ch        chan UIEvent
	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewChannelEmitter creates a buffered emitter for one session stream.
func NewChannelEmitter(sessionID string, buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelEmitter{sessionID: sessionID, ch: make(chan UIEvent, buffer)}
}

// Events returns the receive side for the transport handler.
func (e *ChannelEmitter) Events() <-chan UIEvent { return e.ch }

// Emit stamps the event with session and sequence and queues it.
func (e *ChannelEmitter) Emit(event UIEvent) {
	event.SessionID = e.sessionID
	event.Seq = e.seq.Add(1)
	select {
	case e.ch <- event:
	default:
		e.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (e *ChannelEmitter) Dropped() int64 { return e.dropped.Load() }

// Close ends the stream; safe to call more than once.
func (e *ChannelEmitter) Close() {
	e.closeOnce.Do(func() { close(e.ch) })
}

// NopEmitter discards events, used by worker sessions and tests.
type NopEmitter struct{}

func (NopEmitter) Emit(UIEvent) {}
