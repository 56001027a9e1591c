// Package registry implements the FdRegistry: the indexed collection of
// ConnectionRecords that tracks every open file descriptor's role and
// routing state for the dispatcher.
//
// The registry is not safe for concurrent use. It is only ever touched
// from the single event-loop goroutine, matching the daemon's
// single-threaded, cooperative scheduling model.
package registry

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"irdispatchd/internal/wire"
)

// Role identifies what a ConnectionRecord's file descriptor is used for.
type Role int

const (
	RoleClientListen Role = iota
	RoleBackendListen
	RoleControlListen
	RoleBackendCmd
	RoleBackendData
	RoleClientStream
	RoleControlStream
)

func (r Role) String() string {
	switch r {
	case RoleClientListen:
		return "client-listen"
	case RoleBackendListen:
		return "backend-listen"
	case RoleControlListen:
		return "control-listen"
	case RoleBackendCmd:
		return "backend-cmd"
	case RoleBackendData:
		return "backend-data"
	case RoleClientStream:
		return "client-stream"
	case RoleControlStream:
		return "control-stream"
	default:
		return "unknown"
	}
}

// Sentinel values for ConnectedTo / PeerFd. Real fds are always >= 0.
const (
	None  = -1 // not connected / no peer
	Local = -2 // connected to the dispatcher itself (handshake path)
)

// CommandTimeoutTicks is the number of heartbeat ticks a routed command
// may remain in flight before the Router emits a synthetic timeout.
const CommandTimeoutTicks = 20

// Record is one ConnectionRecord: per-fd role, routing state, and the
// incremental parsing state attached to that fd.
type Record struct {
	Fd                 int
	Role               Role
	BackendPID         int
	BackendID          string // "driver@device", empty until handshake completes
	PeerFd             int    // None unless Role is BackendCmd/BackendData
	ConnectedTo        int    // None, Local, or a peer fd
	ExpectedDirective  string
	TicksRemaining     int // -1 when disarmed
	CorrelationID      string
	LineBuf            *wire.LineBuffer
	ReplyParser        *wire.ReplyParser // non-nil only for BackendCmd records
}

func newRecord(fd int, role Role) *Record {
	return &Record{
		Fd:             fd,
		Role:           role,
		PeerFd:         None,
		ConnectedTo:    None,
		TicksRemaining: -1,
		LineBuf:        wire.NewLineBuffer(),
	}
}

// Armed reports whether the record's heartbeat countdown is active.
func (r *Record) Armed() bool { return r.TicksRemaining >= 0 }

// Registry is the FdRegistry: all open ConnectionRecords, indexed by fd,
// plus the auxiliary by-role and by-backend-id lookups the dispatcher and
// router need.
type Registry struct {
	records        map[int]*Record
	byBackendID    map[string]int // backend_id -> BackendCmd fd
	defaultBackend int            // None if unset, else a BackendCmd fd
}

// New creates a registry pre-populated with the three well-known listen
// sockets. They occupy the first three slots and are immortal: Remove
// refuses to evict them.
func New(clientListenFd, backendListenFd, controlListenFd int) *Registry {
	reg := &Registry{
		records:        make(map[int]*Record),
		byBackendID:    make(map[string]int),
		defaultBackend: None,
	}
	reg.records[clientListenFd] = newRecord(clientListenFd, RoleClientListen)
	reg.records[backendListenFd] = newRecord(backendListenFd, RoleBackendListen)
	reg.records[controlListenFd] = newRecord(controlListenFd, RoleControlListen)
	return reg
}

// AddClient registers a newly accepted client-socket fd.
func (reg *Registry) AddClient(fd int) *Record {
	rec := newRecord(fd, RoleClientStream)
	reg.records[fd] = rec
	return rec
}

// AddControlClient registers a newly accepted control-socket fd.
func (reg *Registry) AddControlClient(fd int) *Record {
	rec := newRecord(fd, RoleControlStream)
	reg.records[fd] = rec
	return rec
}

// AddBackend registers a freshly accepted backend pair: a bidirectional
// command socket and its paired event-data pipe, cross-linked via PeerFd.
func (reg *Registry) AddBackend(cmdFd, dataFd int) (cmdRec, dataRec *Record) {
	cmdRec = newRecord(cmdFd, RoleBackendCmd)
	cmdRec.PeerFd = dataFd
	cmdRec.ReplyParser = wire.NewReplyParser()

	dataRec = newRecord(dataFd, RoleBackendData)
	dataRec.PeerFd = cmdFd

	reg.records[cmdFd] = cmdRec
	reg.records[dataFd] = dataRec
	return cmdRec, dataRec
}

// Remove evicts fd and, if it was half of a backend pair, its peer too.
// Removing one of the three well-known listen sockets is a programming
// error: it panics rather than silently leaving the daemon deaf.
func (reg *Registry) Remove(fd int) (*Record, bool) {
	rec, ok := reg.records[fd]
	if !ok {
		return nil, false
	}
	switch rec.Role {
	case RoleClientListen, RoleBackendListen, RoleControlListen:
		panic(fmt.Sprintf("registry: refusing to remove immortal listen socket fd %d (%s)", fd, rec.Role))
	}

	delete(reg.records, fd)
	if rec.BackendID != "" {
		delete(reg.byBackendID, rec.BackendID)
	}
	if fd == reg.defaultBackend {
		reg.defaultBackend = None
		reg.electDefaultBackend()
	}

	if rec.Role == RoleBackendCmd || rec.Role == RoleBackendData {
		if peer, ok := reg.records[rec.PeerFd]; ok {
			delete(reg.records, peer.Fd)
			if peer.BackendID != "" {
				delete(reg.byBackendID, peer.BackendID)
			}
			if peer.Fd == reg.defaultBackend {
				reg.defaultBackend = None
				reg.electDefaultBackend()
			}
		}
	}
	return rec, true
}

// FindByFd looks up a record by its file descriptor.
func (reg *Registry) FindByFd(fd int) (*Record, bool) {
	rec, ok := reg.records[fd]
	return rec, ok
}

// FindByBackendID looks up a backend's command-socket record by its
// "driver@device" id.
func (reg *Registry) FindByBackendID(id string) (*Record, bool) {
	fd, ok := reg.byBackendID[id]
	if !ok {
		return nil, false
	}
	rec, ok := reg.records[fd]
	return rec, ok
}

// IterByRole returns every record with the given role, sorted by fd for
// determinism (broadcast order, tests, etc.).
func (reg *Registry) IterByRole(role Role) []*Record {
	var out []*Record
	for _, rec := range reg.records {
		if rec.Role == role {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fd < out[j].Fd })
	return out
}

// CompleteHandshake records a backend's "driver@device" id once the
// registration handshake finishes, and indexes it for SET_DEFAULT_BACKEND
// / routed-command lookups.
func (reg *Registry) CompleteHandshake(cmdFd int, pid int, backendID string) {
	rec, ok := reg.records[cmdFd]
	if !ok || rec.Role != RoleBackendCmd {
		return
	}
	rec.BackendPID = pid
	rec.BackendID = backendID
	reg.byBackendID[backendID] = cmdFd
}

// SetDefaultBackend promotes fd to the default backend. It must already be
// a fully registered BackendCmd record.
func (reg *Registry) SetDefaultBackend(fd int) bool {
	rec, ok := reg.records[fd]
	if !ok || rec.Role != RoleBackendCmd || rec.BackendID == "" {
		return false
	}
	reg.defaultBackend = fd
	return true
}

// DefaultBackend returns the current default backend's record, if any.
func (reg *Registry) DefaultBackend() (*Record, bool) {
	if reg.defaultBackend == None {
		return nil, false
	}
	rec, ok := reg.records[reg.defaultBackend]
	return rec, ok
}

// electDefaultBackend deterministically picks the first remaining
// BackendCmd record that has completed its handshake (lowest fd with a
// backend id) as the new default, or leaves it unset.
func (reg *Registry) electDefaultBackend() {
	cmds := reg.IterByRole(RoleBackendCmd)
	for _, rec := range cmds {
		if rec.BackendID != "" {
			reg.defaultBackend = rec.Fd
			return
		}
	}
}

// SnapshotForPoll builds the poll(2) fd set for every live record. Every
// record is polled for readability; writes are synchronous and never
// participate in the readiness wait.
func (reg *Registry) SnapshotForPoll() []unix.PollFd {
	out := make([]unix.PollFd, 0, len(reg.records))
	fds := make([]int, 0, len(reg.records))
	for fd := range reg.records {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		out = append(out, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return out
}

// Len returns the number of live records, mostly for tests/metrics.
func (reg *Registry) Len() int { return len(reg.records) }
