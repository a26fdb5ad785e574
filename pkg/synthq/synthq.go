// Package synthq schedules per-sentence speech synthesis. A Dispatcher
// guarantees that audio for a sequence of sentences is produced and
// delivered in enqueue order, with at most one synthesis call in flight,
// regardless of how long each call takes.
package synthq

import (
	"context"
	"log/slog"
	"sync"
)

// Chunk is one synthesized audio chunk, tagged with its sentence sequence
// number and whether it was the last currently-known item when delivered.
type Chunk struct {
	Seq    int
	Audio  []byte
	Text   string
	IsLast bool
}

// SynthesizeFunc turns text into audio bytes. It may fail; a failed
// sentence is skipped and the dispatcher continues with the next one.
type SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

// DeliverFunc receives synthesized chunks in strict sequence order.
type DeliverFunc func(Chunk)

type item struct {
	seq  int
	text string
}

// Config configures a Dispatcher.
type Config struct {
	// Synthesize is the external synthesis call. Required.
	Synthesize SynthesizeFunc

	// Deliver receives chunks in order. Required.
	Deliver DeliverFunc

	// Context bounds in-flight synthesis calls. Defaults to
	// context.Background().
	Context context.Context
}

// Dispatcher is a strictly-ordered, single-concurrency synthesis queue.
//
// The zero value is not usable; create one with New. A Dispatcher starts in
// the stopped state: call StartSession before enqueueing.
type Dispatcher struct {
	cfg Config

	mu       sync.Mutex
	queue    []item
	seq      int
	gen      int
	stopped  bool
	draining bool
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	return &Dispatcher{cfg: cfg, stopped: true}
}

// StartSession resets the queue for a new turn: clears queued items, clears
// the stopped flag, and restarts the sequence counter from zero. Call it
// once per turn before the first Enqueue.
func (d *Dispatcher) StartSession() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
	d.seq = 0
	d.gen++
	d.stopped = false
	d.draining = false
}

// Enqueue assigns the next sequence number to the sentence and appends it
// to the queue, starting the drain loop if idle. If the dispatcher is
// stopped the sentence is silently dropped (the turn was interrupted).
func (d *Dispatcher) Enqueue(sentence string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.seq++
	d.queue = append(d.queue, item{seq: d.seq, text: sentence})
	start := !d.draining
	if start {
		d.draining = true
	}
	gen := d.gen
	d.mu.Unlock()

	if start {
		go d.drain(gen)
	}
}

// Reset empties the queue and stops delivery. An in-flight synthesis call
// is left to complete, but its result is discarded: the drain loop
// re-checks the stopped state immediately before delivering each chunk.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
	d.gen++
	d.stopped = true
	d.draining = false
}

// drain pops items strictly from the head and synthesizes them one at a
// time. The next item is not requested until the previous one's audio has
// been delivered or definitively failed.
func (d *Dispatcher) drain(gen int) {
	for {
		d.mu.Lock()
		if d.gen != gen {
			// Session was reset or restarted under us.
			d.mu.Unlock()
			return
		}
		if d.stopped || len(d.queue) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		it := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		audio, err := d.cfg.Synthesize(d.cfg.Context, it.text)
		if err != nil {
			slog.Warn("synthq: synthesis failed, skipping sentence",
				"seq", it.seq, "err", err)
			continue
		}

		d.mu.Lock()
		if d.gen != gen || d.stopped {
			d.mu.Unlock()
			return
		}
		last := len(d.queue) == 0
		d.mu.Unlock()

		d.cfg.Deliver(Chunk{Seq: it.seq, Audio: audio, Text: it.text, IsLast: last})
	}
}
