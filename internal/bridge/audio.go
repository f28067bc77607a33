package bridge

import (
	"context"
	"io"
	"sync"

	"github.com/neura/neura/internal/core"
)

// Audio is an AudioSource fed with PCM chunks by the host. It keeps at most
// capacity samples; the oldest audio is discarded when the host writes
// faster than frames are read.
type Audio struct {
	perms    *Permissions
	capacity int

	mu     sync.Mutex
	buf    []int16
	closed bool
	notify chan struct{}
}

// NewAudio creates an audio source holding up to capacity samples
func NewAudio(perms *Permissions, capacity int) *Audio {
	if capacity <= 0 {
		capacity = 5 * 16000
	}
	return &Audio{perms: perms, capacity: capacity, notify: make(chan struct{})}
}

// Write appends samples
func (a *Audio) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.buf = append(a.buf, samples...)
	if over := len(a.buf) - a.capacity; over > 0 {
		a.buf = append(a.buf[:0], a.buf[over:]...)
	}
	a.wakeLocked()
}

// Reset drops buffered audio
func (a *Audio) Reset() {
	a.mu.Lock()
	a.buf = a.buf[:0]
	a.mu.Unlock()
}

// Close wakes blocked readers; later reads return what is left, then io.EOF
func (a *Audio) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		a.wakeLocked()
	}
}

func (a *Audio) wakeLocked() {
	close(a.notify)
	a.notify = make(chan struct{})
}

// ReadFrame blocks until len(buf) samples are buffered, then copies them out
func (a *Audio) ReadFrame(ctx context.Context, buf []int16) (int, error) {
	if err := a.perms.Check(core.KindWakeword); err != nil {
		return 0, err
	}

	for {
		a.mu.Lock()
		if a.closed && len(a.buf) == 0 {
			a.mu.Unlock()
			return 0, io.EOF
		}
		if len(a.buf) >= len(buf) || a.closed {
			n := copy(buf, a.buf)
			a.buf = append(a.buf[:0], a.buf[n:]...)
			a.mu.Unlock()
			return n, nil
		}
		wait := a.notify
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wait:
		}
	}
}
