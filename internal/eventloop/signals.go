package eventloop

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// signalToken identifies which of the handful of signals the daemon cares
// about is pending. It is deliberately a single slot (an int32, not a
// queue): if two signals arrive between poll iterations, the later one
// wins. That matches the reference daemon's own single "flag" per signal
// collapsed into a single last-one-wins pending value, since only one
// signal is ever handled per loop iteration anyway.
type signalToken int32

const (
	signalNone signalToken = iota
	signalTerm
	signalInt
	signalHup
	signalUsr1
)

// signalHandoff relays process signals into the event loop's single
// pending slot without blocking the signal-delivery goroutine.
type signalHandoff struct {
	pending atomic.Int32
	ch      chan os.Signal
}

func newSignalHandoff() *signalHandoff {
	h := &signalHandoff{ch: make(chan os.Signal, 8)}
	signal.Notify(h.ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	go h.pump()
	return h
}

func (h *signalHandoff) pump() {
	for sig := range h.ch {
		switch sig {
		case syscall.SIGTERM:
			h.pending.Store(int32(signalTerm))
		case syscall.SIGINT:
			h.pending.Store(int32(signalInt))
		case syscall.SIGHUP:
			h.pending.Store(int32(signalHup))
		case syscall.SIGUSR1:
			h.pending.Store(int32(signalUsr1))
		}
	}
}

// drain returns the pending token, if any, and clears the slot.
func (h *signalHandoff) drain() signalToken {
	return signalToken(h.pending.Swap(int32(signalNone)))
}

// postHup deposits a HUP token into the pending slot from outside the
// signal-delivery goroutine, so a non-signal trigger (the config file
// watcher) still has its reload handled on the loop goroutine rather than
// racing it.
func (h *signalHandoff) postHup() {
	h.pending.Store(int32(signalHup))
}

func (h *signalHandoff) stop() {
	signal.Stop(h.ch)
	close(h.ch)
}
