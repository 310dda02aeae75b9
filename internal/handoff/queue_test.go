package handoff

import (
	"testing"
	"time"

	"github.com/goceleris/sockd/internal/poll"
	"golang.org/x/sys/unix"
)

func TestPushTriggersOnlyWhenEmpty(t *testing.T) {
	q, err := New[int]("test", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ps := poll.NewSet()
	idx := ps.Add(q.TriggerFd(), unix.POLLIN, time.Time{})

	for i := 1; i <= 3; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if _, err := ps.Wait(time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ps.Readable(idx) {
		t.Fatal("consumer not woken")
	}
	if err := q.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	items := q.Take()
	if len(items) != 3 || items[0] != 1 || items[2] != 3 {
		t.Fatalf("Take = %v, want [1 2 3]", items)
	}
	if q.Pending() {
		t.Error("queue still pending after Take")
	}

	// a single wake-up byte was written for three pushes
	if _, err := ps.Wait(0); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ps.Readable(idx) {
		t.Error("extra wake-up bytes queued")
	}
}

func TestStop(t *testing.T) {
	tests := []struct {
		name     string
		consumer bool
		want     bool
	}{
		{"consumer exits", true, true},
		{"consumer hangs", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := New[string]("writer", 1)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if tt.consumer {
				go func() {
					for !q.ShuttingDown() {
						time.Sleep(time.Millisecond)
					}
					q.MarkStopped()
				}()
			}
			if got := q.Stop(200 * time.Millisecond); got != tt.want {
				t.Errorf("Stop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSizeAccounting(t *testing.T) {
	q, err := New[int]("spooler", 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Add(3)
	q.Add(-1)
	if q.Size() != 2 {
		t.Errorf("Size = %d, want 2", q.Size())
	}
	if q.ThreadName() != "spooler2" {
		t.Errorf("ThreadName = %q", q.ThreadName())
	}
}
