// Package dispatch implements the CommandDispatcher: parsing client and
// control command lines and routing them to a backend or handling them
// locally (§4.7).
package dispatch

import (
	"log/slog"
	"strconv"
	"strings"

	"irdispatchd/internal/backend"
	"irdispatchd/internal/registry"
	"irdispatchd/internal/router"
	"irdispatchd/internal/wire"
)

// ProtocolVersion is reported by the VERSION directive on both surfaces.
const ProtocolVersion = "0.9"

// Dispatcher parses one line at a time from a client or control socket
// and either replies immediately or hands the conversation to the Router.
type Dispatcher struct {
	reg           *registry.Registry
	rt            *router.Router
	conns         router.ConnSet
	allowSimulate bool
	hs            *backend.Handshake
	log           *slog.Logger
}

// New builds a Dispatcher. allowSimulate gates the SIMULATE directive per
// the --allow-simulate CLI flag.
func New(reg *registry.Registry, rt *router.Router, conns router.ConnSet, allowSimulate bool, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{reg: reg, rt: rt, conns: conns, allowSimulate: allowSimulate, log: log}
}

// SetHandshake wires in the BackendHandshake that owns the registration
// protocol; backend command-socket lines arriving while the record is
// still connected to registry.Local are handed to it instead of being
// forwarded to a client.
func (d *Dispatcher) SetHandshake(hs *backend.Handshake) { d.hs = hs }

// SetAllowSimulate updates the SIMULATE gate, applied on the next reload.
func (d *Dispatcher) SetAllowSimulate(allow bool) { d.allowSimulate = allow }

// HandleBackendCmdLine processes one line read from a BackendCmd socket
// (§4.7 "Reply forwarding"): forwarded verbatim to the waiting client,
// fed to the handshake's ReplyParser if the dispatcher itself is the
// party waiting, or dropped with a warning if the backend is idle.
func (d *Dispatcher) HandleBackendCmdLine(fd int, line string) {
	rec, ok := d.reg.FindByFd(fd)
	if !ok {
		return
	}
	switch {
	case rec.ConnectedTo == registry.Local:
		if d.hs != nil {
			d.hs.HandleLine(fd, line)
		}
	case rec.ConnectedTo != registry.None:
		clientFd := rec.ConnectedTo
		if err := d.conns.Write(clientFd, []byte(line+"\n")); err != nil {
			d.reg.Remove(clientFd)
			d.conns.Close(clientFd)
		}
		if strings.HasPrefix(line, "END") {
			d.rt.Disconnect(fd)
		}
	default:
		d.log.Warn("line from idle backend command socket", "fd", fd, "line", line)
	}
}

// HandleClientLine parses one line received on a ClientStream socket.
func (d *Dispatcher) HandleClientLine(fd int, line string) {
	directive, tail := splitDirective(line)
	cmdLine := commandLine(directive, tail)
	handler, ok := clientHandlers[directive]
	if !ok {
		d.replyError(fd, orUnknown(cmdLine), "unknown directive: %s", orUnknown(directive))
		return
	}
	handler(d, fd, tail, cmdLine)
}

// HandleControlLine parses one line received on a ControlStream socket.
func (d *Dispatcher) HandleControlLine(fd int, line string) {
	directive, tail := splitDirective(line)
	cmdLine := commandLine(directive, tail)
	handler, ok := controlHandlers[directive]
	if !ok {
		d.replyError(fd, orUnknown(cmdLine), "unknown directive: %s", orUnknown(directive))
		return
	}
	handler(d, fd, tail, cmdLine)
}

func orUnknown(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}

// splitDirective uppercases the first whitespace-delimited token and
// returns it along with the remainder of the line, untouched.
func splitDirective(line string) (directive, tail string) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	directive = strings.ToUpper(strings.TrimSpace(fields[0]))
	if len(fields) == 2 {
		tail = strings.TrimSpace(fields[1])
	}
	return directive, tail
}

// commandLine reassembles the normalized command line (uppercased
// directive plus its original argument text) used as the reply
// envelope's <message> field (§4.3: "the command line that elicited the
// reply"), so a client sees back what it sent rather than a bare
// directive token.
func commandLine(directive, tail string) string {
	if tail == "" {
		return directive
	}
	return directive + " " + tail
}

func (d *Dispatcher) reply(fd int, encoded string) {
	if err := d.conns.Write(fd, []byte(encoded)); err != nil {
		d.reg.Remove(fd)
		d.conns.Close(fd)
	}
}

func (d *Dispatcher) replySuccess(fd int, message string) {
	d.reply(fd, wire.EncodeSuccess(message))
}

func (d *Dispatcher) replySuccessData(fd int, message string, data []string) {
	d.reply(fd, wire.EncodeSuccessData(message, data))
}

func (d *Dispatcher) replyError(fd int, message, format string, args ...any) {
	d.reply(fd, wire.EncodeError(message, format, args...))
}

// routeToDefault connects fd to the current default backend and forwards
// forwardLine verbatim, per the client-facing directive table (§4.7).
// message is the full original command line, stashed as the record's
// ExpectedDirective so any later TIMEOUT or peer-loss reply echoes it
// back per §4.3's "<message> is the command line that elicited the
// reply".
func (d *Dispatcher) routeToDefault(fd int, message, forwardLine string) {
	backend, ok := d.reg.DefaultBackend()
	if !ok {
		d.replyError(fd, message, "no default backend")
		return
	}
	d.forward(fd, backend.Fd, message, forwardLine)
}

// routeToBackend looks up a backend by id (a control-facing directive's
// first argument), connects fd to it, and forwards forwardLine (the
// directive plus any arguments *after* the id).
func (d *Dispatcher) routeToBackend(fd int, backendID, message, forwardLine string) {
	backend, ok := d.reg.FindByBackendID(backendID)
	if !ok {
		d.replyError(fd, message, "no such backend: %s", backendID)
		return
	}
	d.forward(fd, backend.Fd, message, forwardLine)
}

func (d *Dispatcher) forward(fd, backendFd int, message, forwardLine string) {
	if !d.rt.Connect(fd, backendFd, message) {
		d.replyError(fd, message, "internal error: routing failed")
		return
	}
	if err := d.conns.Write(backendFd, []byte(forwardLine)); err != nil {
		d.rt.Disconnect(fd)
		d.replyError(fd, message, "backend unreachable")
	}
}

type handlerFunc func(d *Dispatcher, fd int, tail, cmdLine string)

// clientHandlers is the client-facing directive table: commands that
// implicitly target the default backend, plus the locally handled VERSION.
var clientHandlers = map[string]handlerFunc{
	"SEND_ONCE":  (*Dispatcher).cmdSendOnce,
	"SEND_START": (*Dispatcher).cmdSendStart,
	"SEND_STOP":  (*Dispatcher).cmdSendStop,
	"LIST":       (*Dispatcher).cmdList,
	"VERSION":    (*Dispatcher).cmdVersion,
}

// controlHandlers is the control-facing directive table: cross-backend
// administrative commands, most of which name their target backend
// explicitly as the first argument.
var controlHandlers = map[string]handlerFunc{
	"LIST_BACKENDS":        (*Dispatcher).cmdListBackends,
	"GET_DEFAULT_BACKEND":  (*Dispatcher).cmdGetDefaultBackend,
	"SET_DEFAULT_BACKEND":  (*Dispatcher).cmdSetDefaultBackend,
	"STOP_BACKEND":         (*Dispatcher).cmdStopBackend,
	"LIST_REMOTES":         (*Dispatcher).cmdListRemotes,
	"LIST_CODES":           (*Dispatcher).cmdListCodes,
	"SIMULATE":             (*Dispatcher).cmdSimulate,
	"SET_TRANSMITTERS":     (*Dispatcher).cmdSetTransmitters,
	"SET_INPUTLOG":         (*Dispatcher).cmdSetInputlog,
	"VERSION":              (*Dispatcher).cmdVersion,
}

func (d *Dispatcher) cmdSendOnce(fd int, tail, cmdLine string) { d.sendCmd(fd, "SEND_ONCE", tail, cmdLine) }

func (d *Dispatcher) cmdSendStart(fd int, tail, cmdLine string) { d.sendCmd(fd, "SEND_START", tail, cmdLine) }

func (d *Dispatcher) cmdSendStop(fd int, tail, cmdLine string) { d.sendCmd(fd, "SEND_STOP", tail, cmdLine) }

// sendCmd validates "<remote> <code> [reps]" before ever touching the
// default backend, per §9's argument-validation-before-lookup resolution.
func (d *Dispatcher) sendCmd(fd int, directive, tail, cmdLine string) {
	fields := strings.Fields(tail)
	if len(fields) < 2 || len(fields) > 3 {
		d.replyError(fd, cmdLine, "bad arguments: %s", tail)
		return
	}
	if len(fields) == 3 {
		if _, err := strconv.Atoi(fields[2]); err != nil {
			d.replyError(fd, cmdLine, "bad reps: %s", fields[2])
			return
		}
	}
	d.routeToDefault(fd, cmdLine, directive+" "+tail+"\n")
}

func (d *Dispatcher) cmdList(fd int, tail, cmdLine string) {
	fields := strings.Fields(tail)
	if len(fields) > 2 {
		d.replyError(fd, cmdLine, "bad arguments: %s", tail)
		return
	}
	line := "LIST"
	if tail != "" {
		line += " " + tail
	}
	d.routeToDefault(fd, cmdLine, line+"\n")
}

func (d *Dispatcher) cmdVersion(fd int, tail, cmdLine string) {
	d.replySuccessData(fd, cmdLine, []string{ProtocolVersion})
}

func (d *Dispatcher) cmdListBackends(fd int, tail, cmdLine string) {
	var ids []string
	for _, rec := range d.reg.IterByRole(registry.RoleBackendCmd) {
		if rec.BackendID != "" {
			ids = append(ids, rec.BackendID)
		}
	}
	d.replySuccessData(fd, cmdLine, ids)
}

func (d *Dispatcher) cmdGetDefaultBackend(fd int, tail, cmdLine string) {
	backend, ok := d.reg.DefaultBackend()
	if !ok {
		d.replyError(fd, cmdLine, "None")
		return
	}
	d.replySuccessData(fd, cmdLine, []string{backend.BackendID})
}

func (d *Dispatcher) cmdSetDefaultBackend(fd int, tail, cmdLine string) {
	id := strings.TrimSpace(tail)
	if id == "" {
		d.replyError(fd, cmdLine, "missing backend id")
		return
	}
	backend, ok := d.reg.FindByBackendID(id)
	if !ok {
		d.replyError(fd, cmdLine, "no such backend: %s", id)
		return
	}
	d.reg.SetDefaultBackend(backend.Fd)
	d.replySuccess(fd, cmdLine)
}

func (d *Dispatcher) cmdStopBackend(fd int, tail, cmdLine string) {
	id, rest := firstArg(tail)
	if id == "" || rest != "" {
		d.replyError(fd, cmdLine, "bad arguments: %s", tail)
		return
	}
	d.routeToBackend(fd, id, cmdLine, "STOP_BACKEND\n")
}

func (d *Dispatcher) cmdListRemotes(fd int, tail, cmdLine string) {
	id, rest := firstArg(tail)
	if id == "" || rest != "" {
		d.replyError(fd, cmdLine, "bad arguments: %s", tail)
		return
	}
	d.routeToBackend(fd, id, cmdLine, "LIST_REMOTES\n")
}

func (d *Dispatcher) cmdListCodes(fd int, tail, cmdLine string) {
	id, rest := firstArg(tail)
	remote, extra := firstArg(rest)
	if id == "" || remote == "" || extra != "" {
		d.replyError(fd, cmdLine, "bad arguments: %s", tail)
		return
	}
	d.routeToBackend(fd, id, cmdLine, "LIST_CODES "+remote+"\n")
}

func (d *Dispatcher) cmdSimulate(fd int, tail, cmdLine string) {
	if !d.allowSimulate {
		d.replyError(fd, cmdLine, "SIMULATE is disabled")
		return
	}
	id, rest := firstArg(tail)
	fields := strings.Fields(rest)
	if id == "" || len(fields) != 4 {
		d.replyError(fd, cmdLine, "bad arguments: %s", tail)
		return
	}
	d.routeToBackend(fd, id, cmdLine, "SIMULATE "+rest+"\n")
}

func (d *Dispatcher) cmdSetTransmitters(fd int, tail, cmdLine string) {
	id, rest := firstArg(tail)
	if id == "" || rest == "" {
		d.replyError(fd, cmdLine, "bad arguments: %s", tail)
		return
	}
	d.routeToBackend(fd, id, cmdLine, "SET_TRANSMITTERS "+rest+"\n")
}

// cmdSetInputlog has no backend id in its argument list (§4.7's table
// gives it only "<path>|null"), so it targets the default backend like a
// client-facing command rather than an explicitly named one.
func (d *Dispatcher) cmdSetInputlog(fd int, tail, cmdLine string) {
	path := strings.TrimSpace(tail)
	if path == "" {
		d.replyError(fd, cmdLine, "missing path")
		return
	}
	d.routeToDefault(fd, cmdLine, "SET_INPUTLOG "+path+"\n")
}

// firstArg splits off the first whitespace-delimited token, mirroring the
// original source's split_once helper.
func firstArg(s string) (head, rest string) {
	fields := strings.SplitN(strings.TrimSpace(s), " ", 2)
	head = strings.TrimSpace(fields[0])
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}
	return head, rest
}
