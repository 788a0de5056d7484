package remotefs

import (
	"bytes"
	"io"
	"testing"
)

func TestMeterCounts(t *testing.T) {
	m := NewMeter(100, 0, nil)
	r := &CountingReader{R: bytes.NewReader(make([]byte, 100)), M: m}
	if _, err := io.Copy(io.Discard, r); err != nil {
		t.Fatal(err)
	}
	if got := m.Transferred(); got != 100 {
		t.Errorf("Transferred = %d, want 100", got)
	}
}

func TestMeterInitialOffset(t *testing.T) {
	m := NewMeter(100, 40, nil)
	m.Add(10)
	if got := m.Transferred(); got != 50 {
		t.Errorf("Transferred = %d, want 50 (40 resumed + 10)", got)
	}
}

func TestMeterFinishEmits(t *testing.T) {
	var got Progress
	m := NewMeter(10, 0, func(p Progress) { got = p })
	m.Add(10)
	m.Finish()
	if got.Transferred != 10 || got.Total != 10 {
		t.Errorf("final progress = %+v", got)
	}
}
