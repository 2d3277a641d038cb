package graphsync

import (
	"fmt"
	"time"
)

// BatchMode selects how routed events reach subscribers.
type BatchMode string

const (
	// BatchImmediate delivers every event as soon as it arrives.
	BatchImmediate BatchMode = "immediate"
	// BatchWindowed coalesces events until BatchSize is reached or
	// BatchWindow elapses, whichever comes first.
	BatchWindowed BatchMode = "windowed"
)

func (m BatchMode) validate() error {
	switch m {
	case BatchImmediate, BatchWindowed:
		return nil
	}
	return fmt.Errorf("invalid batch mode %q", m)
}

// batcher buffers events in arrival order. It is owned by the event loop;
// the window timer posts back onto the loop.
type batcher struct {
	mode   BatchMode
	size   int
	window time.Duration

	buf   []GraphEvent
	timer Timer
	gen   uint64

	schedule func(d time.Duration, op func()) Timer
	emit     func(group []GraphEvent)
}

func newBatcher(cfg *Config, schedule func(time.Duration, func()) Timer, emit func([]GraphEvent)) *batcher {
	return &batcher{
		mode:     cfg.BatchMode,
		size:     cfg.BatchSize,
		window:   cfg.BatchWindow,
		schedule: schedule,
		emit:     emit,
	}
}

func (b *batcher) add(ev GraphEvent) {
	if b.mode == BatchImmediate {
		b.emit([]GraphEvent{ev})
		return
	}

	// The window starts with the first event of an empty buffer.
	if len(b.buf) == 0 {
		b.gen++
		gen := b.gen
		b.timer = b.schedule(b.window, func() {
			if gen == b.gen {
				b.flush()
			}
		})
	}
	b.buf = append(b.buf, ev)
	if len(b.buf) >= b.size {
		b.flush()
	}
}

// flush emits the buffer as type groups, in order of each type's first
// appearance, keeping relative order inside a group.
func (b *batcher) flush() {
	stopTimer(b.timer)
	b.timer = nil
	b.gen++

	if len(b.buf) == 0 {
		return
	}
	pending := b.buf
	b.buf = nil

	for _, group := range groupByType(pending) {
		b.emit(group)
	}
}

// discard drops buffered events without delivering them.
func (b *batcher) discard() {
	stopTimer(b.timer)
	b.timer = nil
	b.gen++
	b.buf = nil
}

func (b *batcher) pending() int { return len(b.buf) }

func groupByType(events []GraphEvent) [][]GraphEvent {
	index := make(map[EventType]int)
	var groups [][]GraphEvent
	for _, ev := range events {
		i, ok := index[ev.Type]
		if !ok {
			i = len(groups)
			index[ev.Type] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}
