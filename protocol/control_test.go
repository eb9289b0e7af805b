package protocol

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// pipeReader lets a test push raw bytes to the watcher's Reader on demand.
type pipeReader struct {
	r io.Reader
}

func (p *pipeReader) Read(b []byte) (int, error) { return p.r.Read(b) }

func TestWatcherFiresOnMatchingInterrupt(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame(CmdControlMsg, EncodeControlInterrupt(ControlInterrupt{Break: true, SeqNum: 7})); err != nil {
		t.Fatal(err)
	}

	var broken uint32
	done := make(chan struct{})
	watcher := NewWatcher(&buf, time.Hour, time.Second, func(seq uint32) {
		broken = seq
		close(done)
	}, nil)
	watcher.Arm(7)
	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onBreak was never called")
	}
	if broken != 7 {
		t.Fatalf("broke seq %d, want 7", broken)
	}
	if !watcher.Recovering() {
		t.Fatalf("expected watcher to be in recovery after a break")
	}
}

func TestWatcherIgnoresMismatchedSeq(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame(CmdControlMsg, EncodeControlInterrupt(ControlInterrupt{Break: true, SeqNum: 99})); err != nil {
		t.Fatal(err)
	}

	called := make(chan struct{}, 1)
	watcher := NewWatcher(&buf, time.Hour, time.Second, func(seq uint32) {
		called <- struct{}{}
	}, nil)
	watcher.Arm(1)
	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	select {
	case <-called:
		t.Fatal("onBreak should not fire for a mismatched sequence number")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherIgnoresInterruptWhenDisarmed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame(CmdControlMsg, EncodeControlInterrupt(ControlInterrupt{Break: true, SeqNum: 1})); err != nil {
		t.Fatal(err)
	}

	called := make(chan struct{}, 1)
	watcher := NewWatcher(&buf, time.Hour, time.Second, func(seq uint32) {
		called <- struct{}{}
	}, nil)
	// never armed
	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	select {
	case <-called:
		t.Fatal("onBreak should not fire while disarmed")
	case <-time.After(200 * time.Millisecond):
	}
}
