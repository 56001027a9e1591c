package eventloop

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ListenUnix creates, binds and listens on a Unix stream socket at path,
// applying mode once bound (§6 --permission). Any stale socket file left
// behind by a crashed prior instance is unlinked first.
func ListenUnix(path string, mode os.FileMode) (fd int, err error) {
	os.Remove(path)

	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("eventloop: socket %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: set nonblock %s: %w", path, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: chmod %s: %w", path, err)
	}
	return fd, nil
}

// acceptNonblock accepts one pending connection on listenFd and arms it
// non-blocking, matching every other descriptor the loop polls.
func acceptNonblock(listenFd int) (int, error) {
	nfd, _, err := unix.Accept(listenFd)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}

// SocketActivationFd reports the fd passed in by systemd-style socket
// activation (LISTEN_PID/LISTEN_FDS, §C.2 of the design notes), if this
// process is the intended recipient of exactly one passed descriptor. The
// client-listen socket is the only one eligible for activation; backend and
// control sockets are always created fresh.
func SocketActivationFd() (fd int, ok bool) {
	pidStr := os.Getenv("LISTEN_PID")
	nfdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || nfdsStr == "" {
		return -1, false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return -1, false
	}
	nfds, err := strconv.Atoi(nfdsStr)
	if err != nil || nfds != 1 {
		return -1, false
	}
	const firstActivationFd = 3
	return firstActivationFd, true
}
