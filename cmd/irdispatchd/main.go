// Command irdispatchd is the IR remote-control dispatcher daemon: it
// multiplexes client, control and backend connections over three Unix
// sockets and routes commands and events between them (§3).
package main

import (
	"context"
	"fmt"
	"os"

	"irdispatchd/internal/backend"
	"irdispatchd/internal/config"
	"irdispatchd/internal/dispatch"
	"irdispatchd/internal/eventloop"
	"irdispatchd/internal/logging"
	"irdispatchd/internal/monitor"
	"irdispatchd/internal/pidfile"
	"irdispatchd/internal/registry"
	"irdispatchd/internal/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "irdispatchd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	log, err := logging.New(cfg.Logfile, cfg.Loglevel)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	pf, err := pidfile.Acquire(cfg.Pidfile)
	if err != nil {
		return fmt.Errorf("acquiring pidfile: %w", err)
	}
	defer pf.Release()

	clientFd, err := openClientListenSocket(cfg)
	if err != nil {
		return fmt.Errorf("opening client socket: %w", err)
	}
	backendFd, err := eventloop.ListenUnix(cfg.ClientSocket+".backend", cfg.Permission)
	if err != nil {
		return fmt.Errorf("opening backend socket: %w", err)
	}
	controlFd, err := eventloop.ListenUnix(cfg.ClientSocket+".control", cfg.Permission)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}

	reg := registry.New(clientFd, backendFd, controlFd)
	conns := eventloop.NewConns()
	rt := router.New(reg, conns, log.Logger)
	disp := dispatch.New(reg, rt, conns, cfg.AllowSimulate, log.Logger)
	hs := backend.New(reg, rt, conns, cfg.ClientSocket, log.Logger)
	disp.SetHandshake(hs)

	var mon *monitor.Server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.MonitorAddr != "" {
		mon = monitor.New(cfg.MonitorAddr, log.Logger)
		rt.SetTap(mon.Publish)
		go func() {
			if err := mon.Serve(ctx); err != nil {
				log.Warn("monitor server exited", "err", err)
			}
		}()
	}

	loop := eventloop.New(reg, rt, disp, hs, conns, clientFd, backendFd, controlFd, log.Logger)
	loop.OnHup = func() {
		if err := log.Reopen(); err != nil {
			log.Warn("log reopen failed", "err", err)
		}
		reloaded, err := cfg.Reload()
		if err != nil {
			log.Warn("config reload failed", "err", err)
			return
		}
		if err := log.SetLevel(reloaded.Loglevel); err != nil {
			log.Warn("config reload: bad loglevel", "err", err)
		}
		disp.SetAllowSimulate(reloaded.AllowSimulate)
	}
	loop.OnShutdown = func() {
		log.Info("shutting down")
		cancel()
	}

	// PostHup, not OnHup directly: the fsnotify callback runs on its own
	// goroutine, and OnHup touches dispatcher/logger state the loop
	// goroutine also reads and writes without synchronization.
	watcher, err := config.WatchFile(cfg.ConfigPath, log.Logger, loop.PostHup)
	if err != nil {
		log.Warn("config file watch failed", "err", err)
	}
	if watcher != nil {
		defer watcher.Close()
	}

	log.Info("irdispatchd starting", "client_socket", cfg.ClientSocket, "pidfile", cfg.Pidfile)
	return loop.Run()
}

// openClientListenSocket honors systemd-style socket activation for the
// client socket (§C.2); all other sockets are always created fresh.
func openClientListenSocket(cfg *config.Config) (int, error) {
	if fd, ok := eventloop.SocketActivationFd(); ok {
		return fd, nil
	}
	return eventloop.ListenUnix(cfg.ClientSocket, cfg.Permission)
}
