package backend

import (
	"io"
	"path/filepath"
	"testing"

	"irdispatchd/internal/registry"
	"irdispatchd/internal/router"
)

type fakeConns struct {
	written map[int][]string
	closed  map[int]bool
}

func newFakeConns() *fakeConns {
	return &fakeConns{written: make(map[int][]string), closed: make(map[int]bool)}
}

func (f *fakeConns) Write(fd int, p []byte) error {
	f.written[fd] = append(f.written[fd], string(p))
	return nil
}

func (f *fakeConns) Close(fd int) { f.closed[fd] = true }

func (f *fakeConns) Register(fd int, rwc io.ReadWriteCloser) {}

func setup(t *testing.T) (*Handshake, *registry.Registry, *fakeConns, string) {
	t.Helper()
	reg := registry.New(0, 1, 2)
	conns := newFakeConns()
	rt := router.New(reg, conns, nil)
	sockPath := filepath.Join(t.TempDir(), "lircd")
	hs := New(reg, rt, conns, sockPath, nil)
	return hs, reg, conns, sockPath
}

func TestBeginSendsGetBackendInfo(t *testing.T) {
	hs, reg, conns, _ := setup(t)
	const cmdFd = 20

	if err := hs.Begin(cmdFd); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	rec, ok := reg.FindByFd(cmdFd)
	if !ok {
		t.Fatal("expected backend cmd record registered")
	}
	if rec.ConnectedTo != registry.Local {
		t.Fatalf("expected cmd fd connected to Local during handshake, got %d", rec.ConnectedTo)
	}
	if rec.ExpectedDirective != directiveGetInfo {
		t.Fatalf("expected step %s, got %s", directiveGetInfo, rec.ExpectedDirective)
	}
	if len(conns.written[cmdFd]) != 1 || conns.written[cmdFd][0] != directiveGetInfo+"\n" {
		t.Fatalf("expected GET_BACKEND_INFO written, got %#v", conns.written[cmdFd])
	}
}

func TestFullHandshakeCompletesAndPromotesDefault(t *testing.T) {
	hs, reg, conns, _ := setup(t)
	const cmdFd = 20

	if err := hs.Begin(cmdFd); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	hs.HandleLine(cmdFd, "BEGIN")
	hs.HandleLine(cmdFd, "GET_BACKEND_INFO")
	hs.HandleLine(cmdFd, "SUCCESS")
	hs.HandleLine(cmdFd, "DATA")
	hs.HandleLine(cmdFd, "1")
	hs.HandleLine(cmdFd, "plain 4711 acme /dev/ir0")
	hs.HandleLine(cmdFd, "END")

	rec, _ := reg.FindByFd(cmdFd)
	if rec.BackendID != "acme@/dev/ir0" {
		t.Fatalf("expected backend id acme@/dev/ir0, got %q", rec.BackendID)
	}
	if rec.BackendPID != 4711 {
		t.Fatalf("expected pid 4711, got %d", rec.BackendPID)
	}
	if len(conns.written[cmdFd]) != 2 {
		t.Fatalf("expected GET_BACKEND_INFO and SET_DATA_SOCKET written, got %#v", conns.written[cmdFd])
	}

	hs.HandleLine(cmdFd, "BEGIN")
	hs.HandleLine(cmdFd, "SET_DATA_SOCKET")
	hs.HandleLine(cmdFd, "SUCCESS")
	hs.HandleLine(cmdFd, "END")

	def, ok := reg.DefaultBackend()
	if !ok || def.Fd != cmdFd {
		t.Fatalf("expected fd %d promoted to default backend, got %+v ok=%v", cmdFd, def, ok)
	}
	if rec.ConnectedTo != registry.None {
		t.Fatalf("expected handshake record disconnected after completion, got %d", rec.ConnectedTo)
	}
}

func TestHandshakeAbortsOnErrorReply(t *testing.T) {
	hs, reg, _, _ := setup(t)
	const cmdFd = 20

	if err := hs.Begin(cmdFd); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	hs.HandleLine(cmdFd, "BEGIN")
	hs.HandleLine(cmdFd, "GET_BACKEND_INFO")
	hs.HandleLine(cmdFd, "ERROR")
	hs.HandleLine(cmdFd, "DATA")
	hs.HandleLine(cmdFd, "1")
	hs.HandleLine(cmdFd, "driver not found")
	hs.HandleLine(cmdFd, "END")

	if _, ok := reg.FindByFd(cmdFd); ok {
		t.Fatal("expected cmd fd evicted after failed handshake")
	}
}

func TestParseBackendInfo(t *testing.T) {
	pid, driver, device, err := parseBackendInfo([]string{"plain 123 acme /dev/ir0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != 123 || driver != "acme" || device != "/dev/ir0" {
		t.Fatalf("got pid=%d driver=%q device=%q", pid, driver, device)
	}

	if _, _, _, err := parseBackendInfo([]string{"too few fields"}); err == nil {
		t.Fatal("expected error for malformed info line")
	}
	if _, _, _, err := parseBackendInfo(nil); err == nil {
		t.Fatal("expected error for missing data line")
	}
}
