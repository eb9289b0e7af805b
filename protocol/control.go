package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardstore/occworker/internal/wlog"
)

// watcherState is the control-channel watcher's state machine (spec
// §4.2): disabled while no request is in flight, armed once the main
// thread hands it the sequence number it's allowed to interrupt, and
// back to disabled the instant it fires or the main thread disarms it.
type watcherState int32

const (
	watcherDisabled watcherState = iota
	watcherArmed
)

// BreakFunc is called by the watcher goroutine when a matching
// interrupt arrives while armed. It must be safe to call concurrently
// with the main goroutine continuing to run the DB call it's breaking;
// the driver façade is responsible for making that safe.
type BreakFunc func(seq uint32)

// Watcher owns the control file descriptor and is the second (and
// only other) goroutine spec §5 allows: the main goroutine owns the DB
// connection exclusively, the watcher only ever reads the control
// channel and flips a small set of atomics.
//
// Its start/stop lifecycle is the same context+WaitGroup shape this
// codebase's worker pool uses to manage goroutines, narrowed from N
// workers draining a queue to exactly one goroutine watching one fd.
type Watcher struct {
	log *wlog.Logger

	raw    io.Reader // the control fd itself, consulted for SetReadDeadline
	reader *Reader

	state     atomic.Int32 // watcherState
	armedSeq  atomic.Uint32
	recovery  atomic.Bool // set true once a break has fired; main thread checks this
	lastPing  atomic.Int64 // unix nano of the last keepalive ping emitted

	onBreak       BreakFunc
	keepalive     time.Duration
	pingThrottle  time.Duration
	onKeepalive   func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewWatcher creates a watcher over the given control channel. raw is
// the inherited control fd itself (or a stand-in for tests); when it
// implements SetReadDeadline, readWithDeadline uses that to bound each
// read to keepalive so a quiet control channel still trips the
// keepalive ping, not just a channel that errors out.
//
// onBreak is invoked (from the watcher goroutine) when an interrupt
// frame's sequence number matches the armed one. onKeepalive is invoked
// when no control traffic arrives within keepalive.
func NewWatcher(raw io.Reader, keepalive, pingThrottle time.Duration, onBreak BreakFunc, onKeepalive func()) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		log:          wlog.New("control"),
		raw:          raw,
		reader:       NewReader(raw),
		onBreak:      onBreak,
		keepalive:    keepalive,
		pingThrottle: pingThrottle,
		onKeepalive:  onKeepalive,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the watcher goroutine. Safe to call once.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("control watcher already started")
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Arm allows the watcher to fire onBreak for the given request
// sequence number. Called by the main goroutine right before it issues
// a blocking DB call.
func (w *Watcher) Arm(seq uint32) {
	w.armedSeq.Store(seq)
	w.state.Store(int32(watcherArmed))
}

// Disarm returns the watcher to its quiescent state once the main
// goroutine's blocking call has returned on its own.
func (w *Watcher) Disarm() {
	w.state.Store(int32(watcherDisabled))
}

// Recovering reports whether a break has fired since the last Arm and
// not yet been acknowledged by ClearRecovery. The main goroutine polls
// this after a DB call returns to decide whether the return was a
// genuine completion or a forced break.
func (w *Watcher) Recovering() bool { return w.recovery.Load() }

// ClearRecovery acknowledges a fired break once the main goroutine has
// finished resetting driver state after it.
func (w *Watcher) ClearRecovery() { w.recovery.Store(false) }

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		if w.ctx.Err() != nil {
			return
		}
		frame, err := w.readWithDeadline()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if !isTimeout(err) {
				w.log.Printf("read error, treating as quiet period: %v", err)
			}
			w.maybeKeepalive()
			continue
		}
		if frame.Code != CmdControlMsg {
			w.log.Printf("ignoring unexpected control frame code %d", frame.Code)
			continue
		}
		w.handleInterrupt(frame.Payload)
	}
}

// readWithDeadline bounds the blocking read to keepalive when raw
// supports it (the real control fd does), so a call that blocks with no
// control traffic still times out and trips maybeKeepalive on its own,
// rather than only ever firing after a genuine read error. Tests that
// pass a plain bytes.Buffer get no deadline; once the buffer is drained
// each read returns EOF at once, which run logs as a quiet period
// before reading again.
func (w *Watcher) readWithDeadline() (Frame, error) {
	if dl, ok := w.raw.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dl.SetReadDeadline(time.Now().Add(w.keepalive))
	}
	return w.reader.ReadFrame()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (w *Watcher) maybeKeepalive() {
	if w.onKeepalive == nil {
		return
	}
	if watcherState(w.state.Load()) != watcherArmed {
		return
	}
	now := time.Now().UnixNano()
	last := w.lastPing.Load()
	if time.Duration(now-last) < w.pingThrottle {
		return
	}
	w.lastPing.Store(now)
	w.onKeepalive()
}

// ControlInterrupt is the decoded payload of a CmdControlMsg frame: one
// flags byte (bit 0 set means "break the in-flight call") and the
// 4-byte big-endian sequence number the interrupt targets.
type ControlInterrupt struct {
	Break  bool
	SeqNum uint32
}

const flagBreak = 0x01

func DecodeControlInterrupt(buf []byte) (ControlInterrupt, error) {
	if len(buf) < 5 {
		return ControlInterrupt{}, fmt.Errorf("protocol: control interrupt payload too short (%d bytes)", len(buf))
	}
	return ControlInterrupt{
		Break:  buf[0]&flagBreak != 0,
		SeqNum: uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4]),
	}, nil
}

func EncodeControlInterrupt(ci ControlInterrupt) []byte {
	buf := make([]byte, 5)
	if ci.Break {
		buf[0] = flagBreak
	}
	buf[1] = byte(ci.SeqNum >> 24)
	buf[2] = byte(ci.SeqNum >> 16)
	buf[3] = byte(ci.SeqNum >> 8)
	buf[4] = byte(ci.SeqNum)
	return buf
}

func (w *Watcher) handleInterrupt(payload []byte) {
	ci, err := DecodeControlInterrupt(payload)
	if err != nil {
		w.log.Printf("malformed control interrupt: %v", err)
		return
	}
	if !ci.Break {
		return
	}

	state := watcherState(w.state.Load())
	if state != watcherArmed {
		// Nothing in flight to break; a stray or late interrupt.
		return
	}

	armed := w.armedSeq.Load()
	if ci.SeqNum != armed {
		w.log.Printf("race detected: interrupt for seq %d while armed for seq %d, ignoring", ci.SeqNum, armed)
		return
	}

	w.state.Store(int32(watcherDisabled))
	w.recovery.Store(true)
	if w.onBreak != nil {
		w.onBreak(ci.SeqNum)
	}
}
