package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	expired []Expiry
	fired   chan Expiry
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan Expiry, 16)}
}

func (r *recorder) expire(e Expiry) {
	r.mu.Lock()
	r.expired = append(r.expired, e)
	r.mu.Unlock()
	r.fired <- e
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expired)
}

func (r *recorder) wait(t *testing.T) Expiry {
	t.Helper()
	select {
	case e := <-r.fired:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry")
		return Expiry{}
	}
}

func TestWheelFires(t *testing.T) {
	r := newRecorder()
	w := New(r.expire, zerolog.Nop())
	defer w.Stop()

	gen := w.Arm("a", 10*time.Millisecond)
	e := r.wait(t)
	assert.Equal(t, "a", e.ID)
	assert.Equal(t, gen, e.Gen)
}

func TestWheelRearmSupersedes(t *testing.T) {
	r := newRecorder()
	w := New(r.expire, zerolog.Nop())
	defer w.Stop()

	first := w.Arm("a", 10*time.Millisecond)
	second := w.Arm("a", 30*time.Millisecond)
	require.NotEqual(t, first, second)

	e := r.wait(t)
	assert.Equal(t, second, e.Gen, "only the latest arm may fire")

	// The superseded deadline must never deliver a second expiry.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.count())
}

func TestWheelDisarm(t *testing.T) {
	r := newRecorder()
	w := New(r.expire, zerolog.Nop())
	defer w.Stop()

	w.Arm("a", 20*time.Millisecond)
	w.Disarm("a")
	w.Disarm("a")
	w.Disarm("never-armed")

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, r.count(), "disarmed timer must not fire")
}

func TestWheelIndependentIDs(t *testing.T) {
	r := newRecorder()
	w := New(r.expire, zerolog.Nop())
	defer w.Stop()

	w.Arm("a", 10*time.Millisecond)
	w.Arm("b", 20*time.Millisecond)
	w.Disarm("a")

	e := r.wait(t)
	assert.Equal(t, "b", e.ID)
}

func TestWheelStopIsIdempotent(t *testing.T) {
	r := newRecorder()
	w := New(r.expire, zerolog.Nop())
	w.Arm("a", time.Hour)
	w.Stop()
	w.Stop()
}

func TestWheelForgetNeverReusesGenerations(t *testing.T) {
	r := newRecorder()
	w := New(r.expire, zerolog.Nop())
	defer w.Stop()

	// Two arms leave superseded deadlines in the heap, then the ID is
	// forgotten and re-armed far in the future. The leftover deadlines
	// must surface as stale, never as the new incarnation's expiry.
	w.Arm("a", 20*time.Millisecond)
	w.Arm("a", 30*time.Millisecond)
	w.Forget("a")
	cur := w.Arm("a", time.Hour)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, r.count(), "a pre-Forget deadline fired against the re-armed timer")

	// The live generation still works.
	gen := w.Arm("a", 10*time.Millisecond)
	assert.Greater(t, gen, cur)
	e := r.wait(t)
	assert.Equal(t, gen, e.Gen)
}

func TestWheelForget(t *testing.T) {
	r := newRecorder()
	w := New(r.expire, zerolog.Nop())
	defer w.Stop()

	w.Arm("a", 10*time.Millisecond)
	w.Forget("a")
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, r.count())
}
