// Package cmdsock exposes the administrative surface over a Unix socket.
package cmdsock

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gitter-badger/rVRRPd/pkg/core"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

// Listener accepts line-oriented admin commands on a Unix socket and runs
// them against the dispatcher.
type Listener struct {
	path       string
	dispatcher *core.Dispatcher
	logger     zerolog.Logger
}

// NewListener creates a new command socket listener.
func NewListener(path string, dispatcher *core.Dispatcher, logger zerolog.Logger) *Listener {
	return &Listener{
		path:       path,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "cmdsock").Logger(),
	}
}

// Start listens for connections. It blocks; run it in a goroutine.
func (l *Listener) Start() {
	if l.path == "" {
		l.logger.Info().Msg("Command socket path is not configured, listener disabled")
		return
	}

	// Remove a stale socket file from a previous run.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Error().Err(err).Msg("Failed to remove old command socket")
		return
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to start command socket listener")
		return
	}
	defer listener.Close()
	l.logger.Info().Str("path", l.path).Msg("Command socket listener started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			l.logger.Error().Err(err).Msg("Failed to accept command socket connection")
			continue
		}
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := l.execute(scanner.Text())
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

// execute runs one admin command line and returns the reply text.
func (l *Listener) execute(line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "ERR empty command"
	}

	switch parts[0] {
	case "status":
		if len(parts) == 2 {
			st, err := l.dispatcher.InstanceStatus(parts[1])
			if err != nil {
				return "ERR " + err.Error()
			}
			return formatStatus(st)
		}
		var b strings.Builder
		for _, st := range l.dispatcher.Statuses() {
			b.WriteString(formatStatus(st))
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n")

	case "remove":
		if len(parts) != 2 {
			return "ERR usage: remove <id>"
		}
		if err := l.dispatcher.RemoveInstance(parts[1]); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	case "force":
		if len(parts) != 3 {
			return "ERR usage: force <id> <state>"
		}
		state, err := vrrp.ParseState(parts[2])
		if err != nil {
			return "ERR " + err.Error()
		}
		if err := l.dispatcher.ForceState(parts[1], state); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	default:
		return fmt.Sprintf("ERR unknown command %q", parts[0])
	}
}

func formatStatus(st core.Status) string {
	master := st.MasterAddr
	if master == "" {
		master = "-"
	}
	return fmt.Sprintf("%s state=%s priority=%d master=%s", st.ID, st.State, st.Priority, master)
}
