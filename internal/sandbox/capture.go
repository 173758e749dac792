package sandbox

import "sync"

// tailBuffer keeps the last max bytes written to it and counts everything.
// onOverflow, when set, runs once the first time the cap is exceeded.
type tailBuffer struct {
	mu         sync.Mutex
	max        int
	buf        []byte
	total      int64
	onOverflow func()
	fired      bool
}

func newTailBuffer(max int64, onOverflow func()) *tailBuffer {
	if max <= 0 {
		max = DefaultOutputBytes
	}
	return &tailBuffer{max: int(max), onOverflow: onOverflow}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	n := len(p)
	b.total += int64(n)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
	} else {
		b.buf = append(b.buf, p...)
		if over := len(b.buf) - b.max; over > 0 {
			b.buf = append(b.buf[:0], b.buf[over:]...)
		}
	}
	fire := b.total > int64(b.max) && !b.fired && b.onOverflow != nil
	if fire {
		b.fired = true
	}
	b.mu.Unlock()

	if fire {
		b.onOverflow()
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether any output was dropped.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > int64(b.max)
}
