package bus

import (
	"reflect"
	"time"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Known event types.
const (
	FuzzerUpdate = "fuzzer_update"
	CrashFound   = "crash_found"
)

// Event is the envelope handed to subscribers and forwarded to sinks.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type Handler interface {
	HandleEvent(Event) error
}

type HandlerFunc func(Event) error

type funcHandler struct {
	fn HandlerFunc
}

func (h *funcHandler) HandleEvent(ev Event) error { return h.fn(ev) }

// NewHandler wraps fn in a handler with pointer identity, so the same value
// can later be passed to Unsubscribe.
func NewHandler(fn HandlerFunc) Handler {
	return &funcHandler{fn}
}

// sameHandler compares handlers by identity. Non-comparable dynamic types are
// never equal rather than panicking.
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}
