// Package timer provides the shared countdown substrate for virtual router
// instances: many concurrent one-shot timers with millisecond granularity,
// backed by a single min-heap and one scheduler goroutine instead of one
// polling loop per instance.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Expiry is delivered to the wheel's consumer when an armed timer fires.
// Gen identifies the Arm call that created the timer; a consumer that
// rearmed or disarmed since then sees a stale generation and must ignore
// the event.
type Expiry struct {
	ID  string
	Gen uint64
}

type entry struct {
	id       string
	gen      uint64
	deadline time.Time
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel schedules one timer per ID. Arming an already-armed ID resets its
// remaining time; there is no additive accumulation.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	nextGen uint64
	gens    map[string]uint64
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
	expire  func(Expiry)
	logger  zerolog.Logger
}

// New creates a wheel delivering expiries through the given callback and
// starts its scheduler goroutine. The callback runs on the scheduler
// goroutine and must hand off quickly.
func New(expire func(Expiry), logger zerolog.Logger) *Wheel {
	w := &Wheel{
		gens:   make(map[string]uint64),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		expire: expire,
		logger: logger.With().Str("component", "timer").Logger(),
	}
	go w.run()
	return w
}

// Arm schedules (or reschedules) the timer for id and returns the generation
// token that will accompany its expiry. Generations are wheel-global and
// strictly increasing, so an ID that is forgotten and later re-armed can
// never match a deadline left in the heap by its previous incarnation.
func (w *Wheel) Arm(id string, d time.Duration) uint64 {
	w.mu.Lock()
	w.nextGen++
	gen := w.nextGen
	w.gens[id] = gen
	heap.Push(&w.heap, &entry{id: id, gen: gen, deadline: time.Now().Add(d)})
	w.mu.Unlock()
	w.kick()
	return gen
}

// Disarm cancels the timer for id. Disarming an unarmed or already-expired
// timer is a no-op: any expiry still in flight carries a stale generation.
func (w *Wheel) Disarm(id string) {
	w.mu.Lock()
	delete(w.gens, id)
	w.mu.Unlock()
}

// Forget drops all bookkeeping for id. Used when an instance is removed.
func (w *Wheel) Forget(id string) {
	w.Disarm(id)
}

// Stop terminates the scheduler goroutine. Pending timers never fire.
func (w *Wheel) Stop() {
	w.stopped.Do(func() { close(w.done) })
}

func (w *Wheel) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wheel) run() {
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		var fire []Expiry
		w.mu.Lock()
		now := time.Now()
		for w.heap.Len() > 0 {
			next := w.heap[0]
			if gen, ok := w.gens[next.id]; !ok || gen != next.gen {
				// Superseded by a rearm or disarm.
				heap.Pop(&w.heap)
				continue
			}
			if next.deadline.After(now) {
				break
			}
			heap.Pop(&w.heap)
			fire = append(fire, Expiry{ID: next.id, Gen: next.gen})
		}
		wait := time.Hour
		if w.heap.Len() > 0 {
			if wait = time.Until(w.heap[0].deadline); wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		w.mu.Unlock()

		for _, e := range fire {
			w.expire(e)
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)
		select {
		case <-w.done:
			return
		case <-w.wake:
		case <-t.C:
		}
	}
}
