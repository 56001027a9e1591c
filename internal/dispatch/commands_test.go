package dispatch

import (
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

func setup(t *testing.T) (*Dispatcher, *registry.Registry, *fakeConns) {
	t.Helper()
	reg := registry.New(0, 1, 2)
	reg.AddClient(10)
	reg.AddControlClient(12)
	reg.AddBackend(20, 21)
	reg.CompleteHandshake(20, 4711, "acme@/dev/ir0")
	reg.SetDefaultBackend(20)

	conns := newFakeConns()
	rt := router.New(reg, conns, nil)
	d := New(reg, rt, conns, true, nil)
	return d, reg, conns
}

func TestUnknownClientDirective(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleClientLine(10, "BOGUS foo")
	if len(conns.written[10]) != 1 {
		t.Fatalf("expected one reply, got %#v", conns.written[10])
	}
	got := conns.written[10][0]
	want := "BEGIN\nBOGUS foo\nERROR\nDATA\n1\nunknown directive: BOGUS\nEND\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSendOnceRoutesToDefaultBackend(t *testing.T) {
	d, reg, conns := setup(t)
	d.HandleClientLine(10, "SEND_ONCE MyRemote KEY_POWER")

	if len(conns.written[20]) != 1 || conns.written[20][0] != "SEND_ONCE MyRemote KEY_POWER\n" {
		t.Fatalf("expected forwarded command to backend, got %#v", conns.written[20])
	}
	client, _ := reg.FindByFd(10)
	backendRec, _ := reg.FindByFd(20)
	if client.ConnectedTo != 20 || backendRec.ConnectedTo != 10 {
		t.Fatalf("expected routing established, client=%+v backend=%+v", client, backendRec)
	}
}

func TestSendOnceBadArgsNeverTouchesBackend(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleClientLine(10, "SEND_ONCE OnlyOneArg")
	if len(conns.written[20]) != 0 {
		t.Fatal("expected no forwarding on bad arguments")
	}
	if len(conns.written[10]) != 1 {
		t.Fatalf("expected an error reply, got %#v", conns.written[10])
	}
}

func TestSendOnceNoDefaultBackend(t *testing.T) {
	reg := registry.New(0, 1, 2)
	reg.AddClient(10)
	conns := newFakeConns()
	rt := router.New(reg, conns, nil)
	d := New(reg, rt, conns, true, nil)

	d.HandleClientLine(10, "SEND_ONCE MyRemote KEY_POWER")
	if len(conns.written[10]) != 1 {
		t.Fatalf("expected error reply, got %#v", conns.written[10])
	}
	want := "BEGIN\nSEND_ONCE MyRemote KEY_POWER\nERROR\nDATA\n1\nno default backend\nEND\n"
	if conns.written[10][0] != want {
		t.Fatalf("got %q, want %q", conns.written[10][0], want)
	}
}

func TestListBackends(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleControlLine(12, "LIST_BACKENDS")
	want := "BEGIN\nLIST_BACKENDS\nSUCCESS\nDATA\n1\nacme@/dev/ir0\nEND\n"
	if len(conns.written[12]) != 1 || conns.written[12][0] != want {
		t.Fatalf("got %#v, want %q", conns.written[12], want)
	}
}

func TestGetDefaultBackend(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleControlLine(12, "GET_DEFAULT_BACKEND")
	want := "BEGIN\nGET_DEFAULT_BACKEND\nSUCCESS\nDATA\n1\nacme@/dev/ir0\nEND\n"
	if conns.written[12][0] != want {
		t.Fatalf("got %q, want %q", conns.written[12][0], want)
	}
}

func TestSetDefaultBackendUnknownID(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleControlLine(12, "SET_DEFAULT_BACKEND nosuch@nowhere")
	want := "BEGIN\nSET_DEFAULT_BACKEND nosuch@nowhere\nERROR\nDATA\n1\nno such backend: nosuch@nowhere\nEND\n"
	if conns.written[12][0] != want {
		t.Fatalf("got %q, want %q", conns.written[12][0], want)
	}
}

func TestListCodesValidatesArgsBeforeBackendLookup(t *testing.T) {
	d, _, conns := setup(t)
	// Missing the remote argument: must fail before any backend lookup,
	// even though "bogus@backend" doesn't exist either.
	d.HandleControlLine(12, "LIST_CODES bogus@backend")
	want := "BEGIN\nLIST_CODES bogus@backend\nERROR\nDATA\n1\nbad arguments: bogus@backend\nEND\n"
	if conns.written[12][0] != want {
		t.Fatalf("got %q, want %q", conns.written[12][0], want)
	}
}

func TestListCodesRoutesWithoutBackendID(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleControlLine(12, "LIST_CODES acme@/dev/ir0 MyRemote")
	if conns.written[20][0] != "LIST_CODES MyRemote\n" {
		t.Fatalf("got %#v", conns.written[20])
	}
}

func TestSimulateDisabled(t *testing.T) {
	reg := registry.New(0, 1, 2)
	reg.AddControlClient(12)
	reg.AddBackend(20, 21)
	reg.CompleteHandshake(20, 1, "acme@/dev/ir0")
	conns := newFakeConns()
	rt := router.New(reg, conns, nil)
	d := New(reg, rt, conns, false, nil)

	d.HandleControlLine(12, "SIMULATE acme@/dev/ir0 MyRemote KEY_POWER 0 1")
	want := "BEGIN\nSIMULATE acme@/dev/ir0 MyRemote KEY_POWER 0 1\nERROR\nDATA\n1\nSIMULATE is disabled\nEND\n"
	if conns.written[12][0] != want {
		t.Fatalf("got %q, want %q", conns.written[12][0], want)
	}
	if len(conns.written[20]) != 0 {
		t.Fatal("disabled SIMULATE must never reach the backend")
	}
}

func TestSimulateForwardsRemainderVerbatim(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleControlLine(12, "SIMULATE acme@/dev/ir0 MyRemote KEY_POWER 0 1a2b")
	want := "SIMULATE MyRemote KEY_POWER 0 1a2b\n"
	if conns.written[20][0] != want {
		t.Fatalf("got %q, want %q", conns.written[20][0], want)
	}
}

func TestBackendReplyForwardedVerbatimAndDisconnectsOnEnd(t *testing.T) {
	d, reg, conns := setup(t)
	d.HandleClientLine(10, "SEND_ONCE MyRemote KEY_POWER")

	d.HandleBackendCmdLine(20, "BEGIN")
	d.HandleBackendCmdLine(20, "SEND_ONCE MyRemote KEY_POWER")
	d.HandleBackendCmdLine(20, "SUCCESS")
	d.HandleBackendCmdLine(20, "END")

	want := []string{"BEGIN\n", "SEND_ONCE MyRemote KEY_POWER\n", "SUCCESS\n", "END\n"}
	if len(conns.written[10]) != len(want) {
		t.Fatalf("got %#v", conns.written[10])
	}
	for i, w := range want {
		if conns.written[10][i] != w {
			t.Fatalf("line %d: got %q want %q", i, conns.written[10][i], w)
		}
	}
	client, _ := reg.FindByFd(10)
	if client.ConnectedTo != registry.None {
		t.Fatal("expected client disconnected after END")
	}
}

func TestSendOnceArmsRouterWithFullCommandLine(t *testing.T) {
	d, reg, _ := setup(t)
	d.HandleClientLine(10, "SEND_ONCE MyRemote KEY_POWER")

	client, _ := reg.FindByFd(10)
	want := "SEND_ONCE MyRemote KEY_POWER"
	if client.ExpectedDirective != want {
		t.Fatalf("expected ExpectedDirective %q (the full command line, so a later TIMEOUT/peer-loss reply echoes it per §4.3), got %q", want, client.ExpectedDirective)
	}
}

func TestVersion(t *testing.T) {
	d, _, conns := setup(t)
	d.HandleClientLine(10, "VERSION")
	want := "BEGIN\nVERSION\nSUCCESS\nDATA\n1\n" + ProtocolVersion + "\nEND\n"
	if conns.written[10][0] != want {
		t.Fatalf("got %q, want %q", conns.written[10][0], want)
	}
}
