// Package config resolves the daemon's configuration from CLI flags, an
// optional TOML config file, and built-in defaults, in that precedence
// order, and can watch the file for hot-reloadable settings.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	flag "github.com/spf13/pflag"
)

const (
	defaultClientSocket  = "/var/run/lirc/lircd"
	defaultPermission    = 0666
	defaultPidfile       = "/var/run/lirc/lircd.pid"
	defaultLoglevel      = "info"
	defaultMonitorAddr   = "" // empty disables the debug/monitor endpoint
)

// fileConfig is the subset of settings that may also come from the TOML
// config file. The file is re-read on SIGHUP, but only the Reloadable
// subset takes effect then.
type fileConfig struct {
	Output        string `toml:"output"`
	Permission    *int   `toml:"permission"`
	Pidfile       string `toml:"pidfile"`
	Logfile       string `toml:"logfile"`
	Loglevel      string `toml:"loglevel"`
	AllowSimulate *bool  `toml:"allow_simulate"`
	MonitorAddr   string `toml:"monitor_addr"`
}

// Config is the fully resolved set of daemon settings, CLI flags applied
// over config-file values applied over built-in defaults.
type Config struct {
	NoDaemon      bool
	ClientSocket  string
	Permission    os.FileMode
	Pidfile       string
	Logfile       string
	Loglevel      string
	AllowSimulate bool
	MonitorAddr   string
	ConfigPath    string

	// flagsSeen records which CLI flags were explicitly passed, so Reload
	// keeps them ahead of whatever the config file says.
	flagsSeen map[string]bool
}

// Parse builds a Config from args (normally os.Args[1:]), reading the
// config file named by --config if present.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("irdispatchd", flag.ContinueOnError)

	noDaemon := fs.Bool("nodaemon", false, "accepted for compatibility; the daemon always runs in the foreground")
	output := fs.String("output", "", "client socket path")
	permission := fs.Int("permission", -1, "client/backend/control socket permission bits, e.g. 0666")
	pidfile := fs.String("pidfile", "", "pidfile path")
	configPath := fs.String("config", "", "path to TOML config file")
	logfile := fs.String("logfile", "", "write logs to this file instead of stderr")
	loglevel := fs.String("loglevel", "", "log level: debug, info, warn, error, or 3..10")
	allowSimulate := fs.Bool("allow-simulate", false, "enable the SIMULATE directive")
	monitorAddr := fs.String("monitor-addr", "", "address for the read-only debug/monitor endpoint, e.g. :8765")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		NoDaemon:     *noDaemon,
		ClientSocket: defaultClientSocket,
		Permission:   defaultPermission,
		Pidfile:      defaultPidfile,
		Loglevel:     defaultLoglevel,
		MonitorAddr:  defaultMonitorAddr,
		ConfigPath:   *configPath,
		flagsSeen:    make(map[string]bool),
	}

	var fc fileConfig
	if *configPath != "" {
		loaded, err := loadFile(*configPath)
		if err != nil {
			return nil, err
		}
		fc = loaded
	}

	applyFileConfig(cfg, fc)

	fs.Visit(func(f *flag.Flag) { cfg.flagsSeen[f.Name] = true })

	if cfg.flagsSeen["output"] {
		cfg.ClientSocket = *output
	}
	if cfg.flagsSeen["permission"] {
		cfg.Permission = os.FileMode(*permission)
	}
	if cfg.flagsSeen["pidfile"] {
		cfg.Pidfile = *pidfile
	}
	if cfg.flagsSeen["logfile"] {
		cfg.Logfile = *logfile
	}
	if cfg.flagsSeen["loglevel"] {
		cfg.Loglevel = *loglevel
	}
	if cfg.flagsSeen["allow-simulate"] {
		cfg.AllowSimulate = *allowSimulate
	}
	if cfg.flagsSeen["monitor-addr"] {
		cfg.MonitorAddr = *monitorAddr
	}

	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Output != "" {
		cfg.ClientSocket = fc.Output
	}
	if fc.Permission != nil {
		cfg.Permission = os.FileMode(*fc.Permission)
	}
	if fc.Pidfile != "" {
		cfg.Pidfile = fc.Pidfile
	}
	if fc.Logfile != "" {
		cfg.Logfile = fc.Logfile
	}
	if fc.Loglevel != "" {
		cfg.Loglevel = fc.Loglevel
	}
	if fc.AllowSimulate != nil {
		cfg.AllowSimulate = *fc.AllowSimulate
	}
	if fc.MonitorAddr != "" {
		cfg.MonitorAddr = fc.MonitorAddr
	}
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, nil
}

// Reloadable is the subset of settings Reload reports after a
// SIGHUP-triggered re-read of the config file, without touching sockets
// or the pidfile. The daemon re-applies Loglevel and AllowSimulate;
// Logfile is reported but not acted on, so logging stays on the path
// given at startup.
type Reloadable struct {
	Logfile       string
	Loglevel      string
	AllowSimulate bool
}

// Reload re-reads the config file (if one was given at startup) and
// returns the updated reloadable settings, with CLI flags still taking
// precedence over whatever the file now says.
func (c *Config) Reload() (Reloadable, error) {
	r := Reloadable{Logfile: c.Logfile, Loglevel: c.Loglevel, AllowSimulate: c.AllowSimulate}
	if c.ConfigPath == "" {
		return r, nil
	}
	fc, err := loadFile(c.ConfigPath)
	if err != nil {
		return r, err
	}
	if !c.flagsSeen["logfile"] && fc.Logfile != "" {
		r.Logfile = fc.Logfile
	}
	if !c.flagsSeen["loglevel"] && fc.Loglevel != "" {
		r.Loglevel = fc.Loglevel
	}
	if !c.flagsSeen["allow-simulate"] && fc.AllowSimulate != nil {
		r.AllowSimulate = *fc.AllowSimulate
	}
	return r, nil
}

// WatchFile installs an fsnotify watch on the config file, invoking
// onChange (typically wired to a synthetic SIGHUP) whenever it is written.
// It is a no-op if no config file was given. The caller owns the returned
// watcher's lifetime and should Close it on shutdown.
func WatchFile(path string, log *slog.Logger, onChange func()) (*fsnotify.Watcher, error) {
	if path == "" {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Info("config file changed, reloading", "path", path)
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "err", err)
			}
		}
	}()
	return w, nil
}
