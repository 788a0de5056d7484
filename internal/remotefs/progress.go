package remotefs

import (
	"io"
	"sync"
	"time"
)

// reportInterval is the minimum cadence of progress callbacks during a
// stream. The contract is "at least every 500ms while bytes move".
const reportInterval = 500 * time.Millisecond

// Meter tracks transferred bytes and produces throttled Progress reports.
// It is safe for a single producer (the copy loop) and is shared between
// the counting reader/writer wrappers below.
type Meter struct {
	mu          sync.Mutex
	total       int64
	transferred int64
	started     time.Time
	lastReport  time.Time
	fn          ProgressFunc
}

// NewMeter creates a meter for a transfer of total bytes (0 if unknown).
// Initial counts a pre-existing partial transfer (download resume).
func NewMeter(total, initial int64, fn ProgressFunc) *Meter {
	return &Meter{
		total:       total,
		transferred: initial,
		started:     time.Now(),
		fn:          fn,
	}
}

// Add records n transferred bytes and emits a report if the interval has
// elapsed.
func (m *Meter) Add(n int) {
	m.mu.Lock()
	m.transferred += int64(n)
	emit := m.fn != nil && time.Since(m.lastReport) >= reportInterval
	if emit {
		m.lastReport = time.Now()
	}
	p := m.snapshotLocked()
	m.mu.Unlock()

	if emit {
		m.fn(p)
	}
}

// Finish emits a final report with whatever was transferred.
func (m *Meter) Finish() {
	m.mu.Lock()
	p := m.snapshotLocked()
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Transferred returns the current byte count.
func (m *Meter) Transferred() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferred
}

func (m *Meter) snapshotLocked() Progress {
	elapsed := time.Since(m.started).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(m.transferred) / elapsed
	}
	var eta time.Duration
	if speed > 0 && m.total > m.transferred {
		eta = time.Duration(float64(m.total-m.transferred)/speed) * time.Second
	}
	return Progress{
		Transferred: m.transferred,
		Total:       m.total,
		Speed:       speed,
		ETA:         eta,
	}
}

// CountingReader wraps r and feeds the meter on every read.
type CountingReader struct {
	R io.Reader
	M *Meter
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	if n > 0 {
		c.M.Add(n)
	}
	return n, err
}

// CountingWriter wraps w and feeds the meter on every write.
type CountingWriter struct {
	W io.Writer
	M *Meter
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	if n > 0 {
		c.M.Add(n)
	}
	return n, err
}
