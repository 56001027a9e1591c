// Package eventloop implements the EventLoop: the single-threaded,
// cooperatively scheduled poll(2) readiness loop that drives every other
// component. Exactly one poll(2) call is the daemon's only suspension
// point (§4.8); everything else runs to completion before the loop
// suspends again.
package eventloop

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"irdispatchd/internal/backend"
	"irdispatchd/internal/dispatch"
	"irdispatchd/internal/registry"
	"irdispatchd/internal/router"
	"irdispatchd/internal/wire"
)

// Heartbeat is the poll(2) timeout used when nothing else wakes the loop
// up first. Router.Tick runs once per expired heartbeat (§4.2: 20 ticks of
// 50ms apiece gives the ~1s command timeout).
const Heartbeat = 50 * time.Millisecond

// readBufSize bounds a single read(2) call; lines spanning reads are
// reassembled by each record's LineBuffer.
const readBufSize = 4096

// Loop is the EventLoop. It owns the three listen-socket fds and ties the
// registry, router, dispatcher and backend handshake together.
type Loop struct {
	reg   *registry.Registry
	rt    *router.Router
	disp  *dispatch.Dispatcher
	hs    *backend.Handshake
	conns *Conns
	sig   *signalHandoff
	log   *slog.Logger

	clientListenFd  int
	backendListenFd int
	controlListenFd int

	// OnHup is invoked after SIGHUP broadcasts to clients/control clients
	// have gone out; the caller wires log-file reopening and config
	// reload here. OnShutdown is invoked once, just before Run returns,
	// regardless of which signal triggered the exit.
	OnHup      func()
	OnShutdown func()
}

// PostHup arranges for OnHup to run on the loop goroutine on its next
// iteration, as if SIGHUP had been delivered. Safe to call from any
// goroutine (the config file watcher's fsnotify callback, in particular)
// since it only ever touches the single-slot signal handoff, never OnHup
// or any dispatcher/logger state directly.
func (lp *Loop) PostHup() { lp.sig.postHup() }

// New builds a Loop around already-created listen socket fds and the
// wired-up registry/router/dispatcher/handshake set.
func New(reg *registry.Registry, rt *router.Router, disp *dispatch.Dispatcher, hs *backend.Handshake, conns *Conns, clientListenFd, backendListenFd, controlListenFd int, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		reg:             reg,
		rt:              rt,
		disp:            disp,
		hs:              hs,
		conns:           conns,
		sig:             newSignalHandoff(),
		log:             log,
		clientListenFd:  clientListenFd,
		backendListenFd: backendListenFd,
		controlListenFd: controlListenFd,
	}
}

// Run executes the poll loop until a terminating signal is handled or an
// unrecoverable poll(2) error occurs. The returned error is nil on a clean
// shutdown (TERM, INT or USR1); non-nil only on a poll failure.
func (lp *Loop) Run() error {
	defer lp.sig.stop()

	for {
		if tok := lp.sig.drain(); tok != signalNone {
			done, err := lp.handleSignal(tok)
			if done {
				if lp.OnShutdown != nil {
					lp.OnShutdown()
				}
				return err
			}
		}

		pfds := lp.reg.SnapshotForPoll()
		n, err := unix.Poll(pfds, int(Heartbeat/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("eventloop: poll: %w", err)
		}
		if n == 0 {
			lp.rt.Tick()
			continue
		}
		for _, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			lp.handleReady(int(pfd.Fd), pfd.Revents)
		}
	}
}

func (lp *Loop) handleSignal(tok signalToken) (done bool, err error) {
	switch tok {
	case signalTerm, signalInt:
		lp.log.Info("received shutdown signal, exiting cleanly")
		return true, nil
	case signalUsr1:
		lp.log.Info("received USR1, exiting cleanly")
		return true, nil
	case signalHup:
		lp.log.Info("received HUP, broadcasting and reloading")
		lp.rt.BroadcastSighup()
		if lp.OnHup != nil {
			lp.OnHup()
		}
		return false, nil
	}
	return false, nil
}

func (lp *Loop) handleReady(fd int, revents int16) {
	rec, ok := lp.reg.FindByFd(fd)
	if !ok {
		return
	}

	if revents&(unix.POLLERR|unix.POLLNVAL|unix.POLLHUP) != 0 {
		lp.evict(rec)
		return
	}
	if revents&unix.POLLIN == 0 {
		return
	}

	switch rec.Role {
	case registry.RoleClientListen:
		lp.acceptClient()
	case registry.RoleBackendListen:
		lp.acceptBackend()
	case registry.RoleControlListen:
		lp.acceptControl()
	case registry.RoleBackendData:
		lp.readLines(rec, lp.onEventLine)
	case registry.RoleBackendCmd:
		lp.readLines(rec, lp.disp.HandleBackendCmdLine)
	case registry.RoleClientStream:
		lp.readLines(rec, lp.disp.HandleClientLine)
	case registry.RoleControlStream:
		lp.readLines(rec, lp.disp.HandleControlLine)
	}
}

func (lp *Loop) onEventLine(_ int, line string) {
	lp.rt.BroadcastEvent(line)
}

// evict tears fd out of routing, registry and the live connection set,
// cascading to its backend peer (data<->cmd) if it has one.
func (lp *Loop) evict(rec *registry.Record) {
	lp.rt.HandlePeerLoss(rec.Fd)
	peerFd := rec.PeerFd
	lp.reg.Remove(rec.Fd)
	lp.conns.Close(rec.Fd)
	if peerFd != registry.None {
		lp.conns.Close(peerFd)
	}
}

func (lp *Loop) acceptClient() {
	fd, err := acceptNonblock(lp.clientListenFd)
	if err != nil {
		lp.log.Warn("accept client failed", "err", err)
		return
	}
	lp.reg.AddClient(fd)
	lp.conns.Register(fd, os.NewFile(uintptr(fd), "client"))
	lp.log.Debug("client connected", "fd", fd)
}

func (lp *Loop) acceptControl() {
	fd, err := acceptNonblock(lp.controlListenFd)
	if err != nil {
		lp.log.Warn("accept control failed", "err", err)
		return
	}
	lp.reg.AddControlClient(fd)
	lp.conns.Register(fd, os.NewFile(uintptr(fd), "control"))
	lp.log.Debug("control client connected", "fd", fd)
}

func (lp *Loop) acceptBackend() {
	fd, err := acceptNonblock(lp.backendListenFd)
	if err != nil {
		lp.log.Warn("accept backend failed", "err", err)
		return
	}
	lp.conns.Register(fd, os.NewFile(uintptr(fd), "backend-cmd"))
	if err := lp.hs.Begin(fd); err != nil {
		lp.log.Warn("backend handshake failed to start", "fd", fd, "err", err)
	}
}

// readLines drains one read(2) worth of bytes from rec's fd, reassembles
// complete lines via its LineBuffer, and feeds each to handler in order.
// It re-checks the registry between lines because a handler may itself
// have torn rec's fd down (e.g. a failed reply write, or an aborted
// backend handshake).
func (lp *Loop) readLines(rec *registry.Record, handler func(fd int, line string)) {
	f, ok := lp.conns.Get(rec.Fd)
	if !ok {
		lp.evict(rec)
		return
	}

	buf := make([]byte, readBufSize)
	n, err := f.Read(buf)
	if err != nil || n == 0 {
		lp.evict(rec)
		return
	}
	rec.LineBuf.Append(buf[:n])

	for rec.LineBuf.HasLines() {
		if _, ok := lp.reg.FindByFd(rec.Fd); !ok {
			return
		}
		line, ok := rec.LineBuf.NextLine()
		if !ok {
			return
		}
		if len(line) > wire.MaxLineLength {
			lp.log.Warn("oversized line dropped", "fd", rec.Fd, "len", len(line))
			continue
		}
		handler(rec.Fd, line)
	}
}
