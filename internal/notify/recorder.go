package notify

import (
	"context"
	"sync"
)

// Recorder is an in-memory Notifier that keeps every message it is given.
// It backs dry runs and tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	// Err, when set, fails every send.
	Err error
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Send(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, *m)
	return nil
}

// Messages returns the messages of kind, or all when kind is empty.
func (r *Recorder) Messages(kind string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if kind == "" || m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}
