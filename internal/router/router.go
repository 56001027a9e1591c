// Package router implements the Router: the client<->backend routing
// state machine, event broadcast, and heartbeat-tick timeout handling.
package router

import (
	"log/slog"

	"github.com/google/uuid"

	"irdispatchd/internal/registry"
	"irdispatchd/internal/wire"
)

// ConnSet is the live-connection side of the world the Router needs: the
// ability to write a line to a fd's socket and to tear one down. It is
// implemented by the event loop, which owns the actual OS-level
// descriptors; the Router itself only ever touches routing bookkeeping.
type ConnSet interface {
	Write(fd int, p []byte) error
	Close(fd int)
}

// Router owns the connect/disconnect/broadcast/tick operations of §4.2.
type Router struct {
	reg   *registry.Registry
	conns ConnSet
	log   *slog.Logger

	// tap, if set, receives a copy of every broadcast event line and of
	// every SIGHUP notice. It
	// feeds the optional read-only monitor endpoint; core routing never
	// depends on it.
	tap func(line string)
}

// SetTap installs the monitor fan-out callback. Passing nil disables it.
func (r *Router) SetTap(tap func(line string)) { r.tap = tap }

// New builds a Router over the given registry and connection set.
func New(reg *registry.Registry, conns ConnSet, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, conns: conns, log: log}
}

// Connect pairs a client (or the dispatcher itself, via registry.Local)
// with a backend for the duration of one command. It arms the client's
// timeout countdown unless origin is the local sentinel. It returns false
// if either side could not be found in the registry.
func (r *Router) Connect(clientFd int, backendFd int, directive string) bool {
	backend, ok := r.reg.FindByFd(backendFd)
	if !ok {
		return false
	}

	if clientFd == registry.Local {
		backend.ConnectedTo = registry.Local
		backend.ExpectedDirective = directive
		backend.TicksRemaining = -1
		return true
	}

	client, ok := r.reg.FindByFd(clientFd)
	if !ok {
		return false
	}

	corr := uuid.New().String()[:8]
	client.ConnectedTo = backendFd
	client.ExpectedDirective = directive
	client.TicksRemaining = registry.CommandTimeoutTicks
	client.CorrelationID = corr

	backend.ConnectedTo = clientFd
	backend.ExpectedDirective = directive
	backend.CorrelationID = corr

	r.log.Debug("routed command", "corr", corr, "client_fd", clientFd, "backend_fd", backendFd, "directive", directive)
	return true
}

// Disconnect clears the routing fields on both ends of a conversation,
// given either side's fd. It is a no-op on an already-idle record.
func (r *Router) Disconnect(anyFd int) {
	rec, ok := r.reg.FindByFd(anyFd)
	if !ok {
		return
	}
	peerFd := rec.ConnectedTo
	r.clearRouting(rec)

	if peerFd >= 0 {
		if peer, ok := r.reg.FindByFd(peerFd); ok && peer.ConnectedTo == anyFd {
			r.clearRouting(peer)
		}
	}
}

func (r *Router) clearRouting(rec *registry.Record) {
	rec.ConnectedTo = registry.None
	rec.ExpectedDirective = ""
	rec.TicksRemaining = -1
	rec.CorrelationID = ""
}

// HandlePeerLoss resolves §7's PeerLoss row for fd (a read/write failure
// or POLLERR/POLLNVAL/POLLHUP): if fd was mid-command with a real client
// on the other end, that client gets a synthetic ERROR reply (the same
// shape a TIMEOUT would produce) before the routing state is torn down.
// The caller is still responsible for evicting fd itself from the
// registry and closing its physical descriptor.
func (r *Router) HandlePeerLoss(fd int) {
	rec, ok := r.reg.FindByFd(fd)
	if !ok {
		return
	}
	peerFd := rec.ConnectedTo
	if peerFd >= 0 {
		if peer, ok := r.reg.FindByFd(peerFd); ok && peer.ConnectedTo == fd {
			if peer.Role == registry.RoleClientStream || peer.Role == registry.RoleControlStream {
				msg := wire.EncodeError(peer.ExpectedDirective, "backend connection lost")
				if err := r.conns.Write(peerFd, []byte(msg)); err != nil {
					r.removeDead(peerFd)
				} else {
					r.clearRouting(peer)
				}
			} else {
				r.clearRouting(peer)
			}
		}
	}
	r.clearRouting(rec)
}

// BroadcastEvent delivers a decoded backend event line verbatim to every
// idle ClientStream record. Records in command mode never receive it.
// Records whose write fails are disconnected from the registry and
// physically closed.
func (r *Router) BroadcastEvent(line string) (delivered int) {
	if r.tap != nil {
		r.tap(line)
	}
	payload := []byte(line)
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload = append(payload, '\n')
	}
	for _, rec := range r.reg.IterByRole(registry.RoleClientStream) {
		if rec.ConnectedTo != registry.None {
			continue // in command mode, skip entirely
		}
		if err := r.conns.Write(rec.Fd, payload); err != nil {
			r.removeDead(rec.Fd)
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastSighup writes the SIGHUP notice to every idle client and
// control client, closing any whose write fails.
func (r *Router) BroadcastSighup() {
	payload := []byte(wire.EncodeSighup())
	if r.tap != nil {
		r.tap(string(payload))
	}
	for _, role := range []registry.Role{registry.RoleClientStream, registry.RoleControlStream} {
		for _, rec := range r.reg.IterByRole(role) {
			if rec.ConnectedTo != registry.None {
				continue
			}
			if err := r.conns.Write(rec.Fd, payload); err != nil {
				r.removeDead(rec.Fd)
			}
		}
	}
}

// Tick decrements every armed ticks_remaining counter by one. Any record
// that reaches zero gets a synthetic ERROR ... TIMEOUT reply and is
// disconnected from its peer.
func (r *Router) Tick() {
	for _, role := range []registry.Role{registry.RoleClientStream, registry.RoleControlStream} {
		for _, rec := range r.reg.IterByRole(role) {
			if !rec.Armed() {
				continue
			}
			rec.TicksRemaining--
			if rec.TicksRemaining > 0 {
				continue
			}
			r.log.Warn("command timed out", "corr", rec.CorrelationID, "fd", rec.Fd, "directive", rec.ExpectedDirective)
			msg := wire.EncodeError(rec.ExpectedDirective, "TIMEOUT")
			if err := r.conns.Write(rec.Fd, []byte(msg)); err != nil {
				r.Disconnect(rec.Fd)
				r.removeDead(rec.Fd)
				continue
			}
			r.Disconnect(rec.Fd)
		}
	}
}

// removeDead tears a record out of the registry and closes its physical
// descriptor after a failed write, per §7 PeerLoss handling.
func (r *Router) removeDead(fd int) {
	r.reg.Remove(fd)
	r.conns.Close(fd)
}
