package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStalled is the cause recorded when a source stops delivering bytes.
var ErrStalled = errors.New("transfer stalled")

// StallReader passes reads through and calls onStall once if a read stays
// without data for longer than the window. Time spent between reads, while
// the caller is busy elsewhere, is not counted.
type StallReader struct {
	r       io.Reader
	last    atomic.Int64
	reading atomic.Bool

	done chan struct{}
	once sync.Once
}

// WatchStall starts watching r. A window <= 0 disables the watchdog.
// Stop must be called when reading is finished.
func WatchStall(r io.Reader, window time.Duration, onStall func(cause error)) *StallReader {
	sr := &StallReader{r: r, done: make(chan struct{})}
	sr.last.Store(time.Now().UnixNano())

	if window > 0 {
		go sr.watch(window, onStall)
	}
	return sr
}

func (sr *StallReader) watch(window time.Duration, onStall func(error)) {
	tick := window / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-sr.done:
			return
		case <-ticker.C:
			if !sr.reading.Load() {
				continue
			}
			idle := time.Since(time.Unix(0, sr.last.Load()))
			if idle > window {
				onStall(fmt.Errorf("%w: no data for %s", ErrStalled, window))
				return
			}
		}
	}
}

func (sr *StallReader) Read(p []byte) (int, error) {
	// last before reading, so the watchdog never pairs a stale time with an
	// outstanding read
	sr.last.Store(time.Now().UnixNano())
	sr.reading.Store(true)
	n, err := sr.r.Read(p)
	sr.reading.Store(false)
	if n > 0 {
		sr.last.Store(time.Now().UnixNano())
	}
	return n, err
}

// Stop ends the watchdog. It is safe to call more than once.
func (sr *StallReader) Stop() {
	sr.once.Do(func() { close(sr.done) })
}
