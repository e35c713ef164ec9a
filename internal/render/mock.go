package render

import (
	"fmt"
	"sync"
	"time"
)

// Mock is an in-process Backend for tests and dry runs. Every frame renders
// to a deterministic payload derived from the session and frame number, so
// set-equality checks across a worker tree stay cheap.
type Mock struct {
	// Ext is the reported file extension; defaults to "png".
	Ext string
	// Delay is slept per frame to let schedulers interleave.
	Delay time.Duration
	// Fail, if set, makes every Render return this error.
	Fail error

	mu       sync.Mutex
	rendered []int
}

// Payload returns the bytes Render produces for a session and frame.
func (m *Mock) Payload(session string, frame int) []byte {
	return []byte(fmt.Sprintf("%s/%d", session, frame))
}

func (m *Mock) Render(session string, frame int, format string) ([]byte, string, error) {
	if m.Fail != nil {
		return nil, "", m.Fail
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	m.mu.Lock()
	m.rendered = append(m.rendered, frame)
	m.mu.Unlock()
	ext := m.Ext
	if ext == "" {
		ext = "png"
	}
	return m.Payload(session, frame), ext, nil
}

// Rendered returns the frames rendered so far, in completion order.
func (m *Mock) Rendered() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.rendered...)
}

func (m *Mock) Close() error {
	return nil
}
