// Package backend implements the BackendHandshake: the two-step
// registration protocol (§4.6) a newly accepted backend command socket
// goes through before it can serve client or control commands.
package backend

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"irdispatchd/internal/registry"
	"irdispatchd/internal/router"
	"irdispatchd/internal/wire"
)

const (
	directiveGetInfo = "GET_BACKEND_INFO"
	directiveSetPipe = "SET_DATA_SOCKET"
	pipeMode         = 0666
)

// ConnWriter is the minimal live-connection surface the handshake needs
// to talk to a backend's command socket.
type ConnWriter interface {
	Write(fd int, p []byte) error
	Close(fd int)
	Register(fd int, f io.ReadWriteCloser)
}

// Handshake drives backend registration. It is invoked by the event loop
// when a new backend command socket is accepted and again every time a
// line arrives on a command socket whose ConnectedTo is registry.Local.
type Handshake struct {
	reg            *registry.Registry
	rt             *router.Router
	conns          ConnWriter
	clientSockPath string
	log            *slog.Logger
}

// New builds a Handshake. clientSockPath is used to derive each backend's
// named-pipe path (§6: "<client-socket-path>-data-<fd>").
func New(reg *registry.Registry, rt *router.Router, conns ConnWriter, clientSockPath string, log *slog.Logger) *Handshake {
	if log == nil {
		log = slog.Default()
	}
	return &Handshake{reg: reg, rt: rt, conns: conns, clientSockPath: clientSockPath, log: log}
}

func (h *Handshake) pipePath(cmdFd int) string {
	return fmt.Sprintf("%s-data-%d", h.clientSockPath, cmdFd)
}

// Begin starts the registration handshake for a freshly accepted backend
// command socket (§4.6 steps 1-4).
func (h *Handshake) Begin(cmdFd int) error {
	path := h.pipePath(cmdFd)

	os.Remove(path) // unlink any stale fifo left by a crashed prior backend
	if err := unix.Mkfifo(path, pipeMode); err != nil {
		return fmt.Errorf("handshake: mkfifo %s: %w", path, err)
	}

	dataFd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("handshake: open %s: %w", path, err)
	}

	cmdRec, _ := h.reg.AddBackend(cmdFd, dataFd)
	h.conns.Register(dataFd, os.NewFile(uintptr(dataFd), path))

	h.rt.Connect(registry.Local, cmdFd, directiveGetInfo)
	if err := h.conns.Write(cmdFd, []byte(directiveGetInfo+"\n")); err != nil {
		h.abort(cmdRec.Fd, dataFd, path)
		return fmt.Errorf("handshake: write %s: %w", directiveGetInfo, err)
	}
	h.log.Info("backend handshake started", "cmd_fd", cmdFd, "pipe", path)
	return nil
}

// HandleLine feeds one reply line from a backend command socket that is
// currently connected to registry.Local (i.e. mid-handshake) into that
// record's ReplyParser, and drives the next handshake step once the
// parser completes.
func (h *Handshake) HandleLine(cmdFd int, line string) {
	rec, ok := h.reg.FindByFd(cmdFd)
	if !ok || rec.ReplyParser == nil {
		return
	}
	rec.ReplyParser.Feed(line)
	if !rec.ReplyParser.IsCompleted() {
		return
	}
	h.advance(rec)
}

func (h *Handshake) advance(rec *registry.Record) {
	p := rec.ReplyParser
	step := rec.ExpectedDirective
	path := h.pipePath(rec.Fd)

	if p.Outcome() != wire.OK {
		h.log.Warn("backend handshake failed", "cmd_fd", rec.Fd, "step", step, "outcome", p.Outcome())
		h.abort(rec.Fd, rec.PeerFd, path)
		return
	}

	switch step {
	case directiveGetInfo:
		pid, driver, device, err := parseBackendInfo(p.Data)
		if err != nil {
			h.log.Warn("backend handshake: malformed GET_BACKEND_INFO reply", "cmd_fd", rec.Fd, "err", err)
			h.abort(rec.Fd, rec.PeerFd, path)
			return
		}
		h.reg.CompleteHandshake(rec.Fd, pid, driver+"@"+device)
		p.Reset()

		h.rt.Connect(registry.Local, rec.Fd, directiveSetPipe)
		cmd := directiveSetPipe + " " + path + "\n"
		if err := h.conns.Write(rec.Fd, []byte(cmd)); err != nil {
			h.abort(rec.Fd, rec.PeerFd, path)
		}

	case directiveSetPipe:
		if !h.reg.SetDefaultBackend(rec.Fd) {
			h.log.Warn("backend handshake: could not promote default backend", "cmd_fd", rec.Fd)
		}
		os.Remove(path) // the fd stays open; only the directory entry goes
		h.rt.Disconnect(rec.Fd)
		rec.ReplyParser.Reset()
		h.log.Info("backend registered", "cmd_fd", rec.Fd, "backend_id", rec.BackendID)

	default:
		h.log.Warn("backend handshake: reply in unexpected step", "cmd_fd", rec.Fd, "step", step)
	}
}

func (h *Handshake) abort(cmdFd, dataFd int, pipePath string) {
	h.reg.Remove(cmdFd)
	h.conns.Close(cmdFd)
	h.conns.Close(dataFd)
	os.Remove(pipePath)
}

// parseBackendInfo splits the single GET_BACKEND_INFO payload line
// "<type> <pid> <driver> <device>" into its fields.
func parseBackendInfo(data []string) (pid int, driver, device string, err error) {
	if len(data) != 1 {
		return 0, "", "", fmt.Errorf("expected 1 data line, got %d", len(data))
	}
	fields := strings.Fields(data[0])
	if len(fields) != 4 {
		return 0, "", "", fmt.Errorf("expected 4 fields, got %d: %q", len(fields), data[0])
	}
	pid, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", "", fmt.Errorf("bad pid %q: %w", fields[1], err)
	}
	return pid, fields[2], fields[3], nil
}
