// Command irsend is a small command-line client for irdispatchd: it opens
// a socket, writes one command line, reads the reply, and prints the
// result (grounded on the lirc project's irtool command-line client).
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"irdispatchd/internal/wire"
)

var (
	clientSocket  string
	controlSocket string
)

func main() {
	root := &cobra.Command{
		Use:   "irsend",
		Short: "send commands to a running irdispatchd",
	}
	root.PersistentFlags().StringVar(&clientSocket, "socket", "/var/run/lirc/lircd", "client socket path")
	root.PersistentFlags().StringVar(&controlSocket, "control-socket", "", "control socket path (defaults to <socket>.control)")

	root.AddCommand(
		sendCmd("send-once", "SEND_ONCE", "send <remote> <code> once"),
		sendCmd("send-start", "SEND_START", "begin repeating <remote> <code>"),
		sendCmd("send-stop", "SEND_STOP", "stop repeating <remote> <code>"),
		listCmd(),
		versionCmd(),
		controlCmd("list-backends", "LIST_BACKENDS", 0, "list every registered backend"),
		controlCmd("get-default-backend", "GET_DEFAULT_BACKEND", 0, "print the current default backend"),
		controlCmd("set-default-backend", "SET_DEFAULT_BACKEND", 1, "set the default backend to <id>"),
		controlCmd("stop-backend", "STOP_BACKEND", 1, "ask <id> to stop"),
		controlCmd("list-remotes", "LIST_REMOTES", 1, "list remotes known to <id>"),
		controlCmd("list-codes", "LIST_CODES", 2, "list codes for <id> <remote>"),
		controlCmd("set-transmitters", "SET_TRANSMITTERS", -1, "set transmitter mask for <id> <num...>"),
		simulateCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func sendCmd(use, directive, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <remote> <code> [reps]",
		Short: short,
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(clientSocket, directive+" "+strings.Join(args, " "))
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [remote] [code]",
		Short: "list remotes or codes known to the default backend",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := "LIST"
			if len(args) > 0 {
				line += " " + strings.Join(args, " ")
			}
			return runClient(clientSocket, line)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon's protocol version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(clientSocket, "VERSION")
		},
	}
}

// controlCmd builds a control-facing subcommand. wantArgs is the exact
// number of positional arguments expected, or -1 for "one or more" (used
// by set-transmitters, whose trailing num list is variable length).
func controlCmd(use, directive string, wantArgs int, short string) *cobra.Command {
	argsUse := use
	switch {
	case wantArgs == 1:
		argsUse += " <id>"
	case wantArgs == 2:
		argsUse += " <id> <arg>"
	case wantArgs < 0:
		argsUse += " <id> <arg...>"
	}
	return &cobra.Command{
		Use:   argsUse,
		Short: short,
		Args: func(cmd *cobra.Command, args []string) error {
			if wantArgs >= 0 {
				return cobra.ExactArgs(wantArgs)(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			line := directive
			if len(args) > 0 {
				line += " " + strings.Join(args, " ")
			}
			return runClient(resolveControlSocket(), line)
		},
	}
}

func simulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <id> <remote> <keysym> <reps> <scancode>",
		Short: "inject a synthetic key event on <id> (requires --allow-simulate on the daemon)",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(resolveControlSocket(), "SIMULATE "+strings.Join(args, " "))
		},
	}
}

func resolveControlSocket() string {
	if controlSocket != "" {
		return controlSocket
	}
	return clientSocket + ".control"
}

// runClient connects to socketPath, writes line, reads one reply envelope
// and renders it to stdout/stderr. It exits the process with a non-zero
// status on an ERROR reply or a connection failure.
func runClient(socketPath, line string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}

	parser := wire.NewReplyParser()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		parser.Feed(scanner.Text())
		if parser.IsCompleted() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}

	switch parser.Outcome() {
	case wire.OK:
		for _, l := range parser.Data {
			fmt.Println(l)
		}
		return nil
	case wire.Fail:
		msg := strings.Join(parser.Data, " ")
		fmt.Fprintln(os.Stderr, "error:", msg)
		os.Exit(1)
	case wire.Timeout:
		fmt.Fprintln(os.Stderr, "error: daemon did not reply in time")
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "error: malformed reply from daemon")
		os.Exit(1)
	}
	return nil
}
