package cloud

import (
	"testing"
	"time"
)

func TestDelayForDoublesUpToCap(t *testing.T) {
	p := DefaultRetryPolicy

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for attempt, w := range want {
		if got := p.DelayFor(attempt); got != w {
			t.Errorf("DelayFor(%d) = %v, want %v", attempt, got, w)
		}
	}
}
