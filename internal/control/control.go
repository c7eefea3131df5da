// Package control implements the control-plane handler (§4.10): a unix
// socket listener accepting line-oriented commands, dispatching them to
// the runtime manager, and framing each response as a status byte plus
// body plus NUL terminator. Grounded on the teacher's CLI command
// dispatch (cmd/aegis/main.go's manual os.Args-token switch, rather than
// a flag-package parser) reworked from an HTTP-client-talking-to-daemon
// shape into a raw socket protocol, since the spec's control plane is
// the wire format itself rather than an HTTP API wrapping one.
package control

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/socketley/daemon/internal/manager"
	"github.com/socketley/daemon/internal/persistence"
	"github.com/socketley/daemon/internal/runtimecfg"
)

// Status codes for the response framing (§4.10): "0 success, 1 bad
// input, 2 fatal".
const (
	StatusOK    byte = 0
	StatusBad   byte = 1
	StatusFatal byte = 2
)

// Handler owns the control socket listener.
type Handler struct {
	mgr        *manager.Manager
	socketPath string
	listener   net.Listener
}

// New builds a Handler listening at socketPath (default
// /tmp/socketley.sock, §6 "Control socket").
func New(mgr *manager.Manager, socketPath string) *Handler {
	if socketPath == "" {
		socketPath = "/tmp/socketley.sock"
	}
	return &Handler{mgr: mgr, socketPath: socketPath}
}

// Serve listens and accepts control connections until the listener is
// closed by Close.
func (h *Handler) Serve() error {
	os.Remove(h.socketPath)
	ln, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return fmt.Errorf("listen control socket %s: %w", h.socketPath, err)
	}
	if err := os.Chmod(h.socketPath, 0666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod control socket %s: %w", h.socketPath, err)
	}
	h.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed by Close()
		}
		go h.handleConn(conn)
	}
}

// Close stops accepting new control connections and removes the socket
// file.
func (h *Handler) Close() error {
	if h.listener == nil {
		return nil
	}
	err := h.listener.Close()
	os.Remove(h.socketPath)
	return err
}

func (h *Handler) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		status, body, interactive := h.dispatch(line, conn, reader)
		writeResponse(conn, status, body)
		if interactive {
			return // the interactive loop below already owns the connection
		}
	}
}

// writeResponse frames a response as <status byte><body><NUL> in one
// buffered write (§4.10 "Response framing").
func writeResponse(w io.Writer, status byte, body string) {
	buf := make([]byte, 0, len(body)+2)
	buf = append(buf, status)
	buf = append(buf, body...)
	buf = append(buf, 0)
	w.Write(buf)
}

// dispatch parses one command line and runs it. The bool return
// indicates the connection has been handed off to an interactive session
// and the caller's read loop must stop.
func (h *Handler) dispatch(line string, conn net.Conn, reader *bufio.Reader) (byte, string, bool) {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		return StatusBad, "empty command", false
	}
	verb := tokens[0]
	args := tokens[1:]

	switch verb {
	case "create":
		return h.cmdCreate(args)
	case "start":
		return h.cmdStart(args, conn, reader)
	case "stop":
		return h.cmdStop(args)
	case "remove":
		return h.cmdRemove(args)
	case "ls":
		return h.cmdList(args, false)
	case "ps":
		return h.cmdList(args, true)
	case "send":
		return h.cmdSend(args)
	case "edit":
		return h.cmdEdit(args)
	case "show", "dump":
		return h.cmdShow(args)
	case "import":
		return h.cmdImport(args)
	case "action":
		return h.cmdAction(args)
	case "stats":
		return h.cmdStats(args)
	case "reload":
		return h.cmdReload(args)
	case "reload-lua":
		return h.cmdReloadLua(args)
	case "owner":
		return h.cmdOwner(args)
	case "attach":
		return h.cmdAttach(args)
	case "cluster-dir":
		return h.cmdClusterDir(args)
	default:
		return StatusBad, "unknown command: " + verb, false
	}
}

// tokenize does a simple whitespace split; none of the control verbs
// take quoted multi-word arguments except the trailing message/json
// payloads, which callers re-join from the tokens with single spaces, so
// runs of whitespace inside a payload collapse to one space.
func tokenize(line string) []string {
	return strings.Fields(line)
}

func (h *Handler) resolveOne(token string) (string, error) {
	names, err := h.mgr.Resolve(token)
	if err != nil {
		return "", err
	}
	return names[0], nil
}

func (h *Handler) cmdCreate(args []string) (byte, string, bool) {
	if len(args) < 2 {
		return StatusBad, "usage: create <type> <name> [flags...]", false
	}
	kind := runtimecfg.Kind(args[0])
	name := args[1]
	cfg := runtimecfg.Defaults()
	cfg.Type = kind
	cfg.Name = name
	flagArgs := args[2:]
	if err := applyCreateFlags(&cfg, flagArgs); err != nil {
		return StatusBad, err.Error(), false
	}
	if err := h.mgr.Create(cfg); err != nil {
		return StatusBad, err.Error(), false
	}
	if containsFlag(flagArgs, "-s") {
		if err := h.mgr.Run(name); err != nil {
			return StatusBad, err.Error(), false
		}
	}
	return StatusOK, "", false
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func (h *Handler) cmdStart(args []string, conn net.Conn, reader *bufio.Reader) (byte, string, bool) {
	interactive := false
	var tokens []string
	for _, a := range args {
		if a == "-i" {
			interactive = true
			continue
		}
		tokens = append(tokens, a)
	}
	if len(tokens) == 0 {
		return StatusBad, "usage: start <name|glob>... [-i]", false
	}

	var names []string
	for _, t := range tokens {
		matched, err := h.mgr.Resolve(t)
		if err != nil {
			return StatusBad, err.Error(), false
		}
		names = append(names, matched...)
	}

	if interactive && len(names) != 1 {
		return StatusBad, "-i is only valid with exactly one match", false
	}

	for _, n := range names {
		if err := h.mgr.Run(n); err != nil {
			return StatusBad, err.Error(), false
		}
	}

	if interactive {
		writeResponse(conn, StatusOK, "")
		h.runInteractive(names[0], conn, reader)
		return StatusOK, "", true
	}
	return StatusOK, "", false
}

func (h *Handler) cmdStop(args []string) (byte, string, bool) {
	return h.forEachMatch(args, "stop", h.mgr.Stop)
}

func (h *Handler) cmdRemove(args []string) (byte, string, bool) {
	return h.forEachMatch(args, "remove", h.mgr.Remove)
}

func (h *Handler) cmdReload(args []string) (byte, string, bool) {
	return h.forEachMatch(args, "reload", func(name string) error {
		if err := h.mgr.Stop(name); err != nil {
			return err
		}
		return h.mgr.Run(name)
	})
}

func (h *Handler) cmdReloadLua(args []string) (byte, string, bool) {
	return h.forEachMatch(args, "reload-lua", h.mgr.ReloadScript)
}

func (h *Handler) forEachMatch(args []string, verb string, op func(string) error) (byte, string, bool) {
	if len(args) == 0 {
		return StatusBad, fmt.Sprintf("usage: %s <name|glob>...", verb), false
	}
	var names []string
	for _, t := range args {
		matched, err := h.mgr.Resolve(t)
		if err != nil {
			return StatusBad, err.Error(), false
		}
		names = append(names, matched...)
	}
	for _, n := range names {
		if err := op(n); err != nil {
			return StatusBad, err.Error(), false
		}
	}
	return StatusOK, "", false
}

func (h *Handler) cmdSend(args []string) (byte, string, bool) {
	if len(args) < 2 {
		return StatusBad, "usage: send <name> <message>", false
	}
	name, err := h.resolveOne(args[0])
	if err != nil {
		return StatusBad, err.Error(), false
	}
	msg := strings.Join(args[1:], " ")
	if err := h.mgr.Send(name, msg); err != nil {
		return StatusBad, err.Error(), false
	}
	return StatusOK, "", false
}

func (h *Handler) cmdEdit(args []string) (byte, string, bool) {
	if len(args) < 1 {
		return StatusBad, "usage: edit <name> [flags...]", false
	}
	name, err := h.resolveOne(args[0])
	if err != nil {
		return StatusBad, err.Error(), false
	}
	cfg, ok := h.mgr.Config(name)
	if !ok {
		return StatusBad, "runtime not found: " + args[0], false
	}
	state, _ := h.mgr.State(name)
	running := state == "running"
	if err := applyEditFlags(&cfg, args[1:], running); err != nil {
		return StatusBad, err.Error(), false
	}
	if running {
		if err := h.mgr.PatchLiveConfig(name, cfg); err != nil {
			return StatusBad, err.Error(), false
		}
		return StatusOK, "", false
	}
	if err := h.mgr.Update(name, cfg); err != nil {
		return StatusBad, err.Error(), false
	}
	return StatusOK, "", false
}

func (h *Handler) cmdShow(args []string) (byte, string, bool) {
	if len(args) == 0 {
		return StatusBad, "usage: show <name|glob>...", false
	}
	var names []string
	for _, t := range args {
		matched, err := h.mgr.Resolve(t)
		if err != nil {
			return StatusBad, err.Error(), false
		}
		names = append(names, matched...)
	}
	var blocks []string
	for _, n := range names {
		cfg, ok := h.mgr.Config(n)
		if !ok {
			continue
		}
		pretty, err := persistence.FormatPretty(cfg)
		if err != nil {
			return StatusFatal, err.Error(), false
		}
		blocks = append(blocks, pretty)
	}
	return StatusOK, strings.Join(blocks, "\n\n"), false
}

func (h *Handler) cmdImport(args []string) (byte, string, bool) {
	if len(args) < 2 {
		return StatusBad, "usage: import <name> <json>", false
	}
	name := args[0]
	jsonText := strings.Join(args[1:], " ")
	cfg, err := persistence.Parse(jsonText)
	if err != nil {
		return StatusBad, err.Error(), false
	}
	if _, ok := h.mgr.Config(name); ok {
		target := name
		if cfg.Name != "" && cfg.Name != name {
			if err := h.mgr.Rename(name, cfg.Name); err != nil {
				return StatusBad, err.Error(), false
			}
			target = cfg.Name
		} else {
			cfg.Name = name
		}
		if err := h.mgr.Update(target, cfg); err != nil {
			return StatusBad, err.Error(), false
		}
		return StatusOK, "", false
	}
	cfg.Name = name
	if err := h.mgr.Create(cfg); err != nil {
		return StatusBad, err.Error(), false
	}
	return StatusOK, "", false
}

func (h *Handler) cmdAction(args []string) (byte, string, bool) {
	if len(args) < 2 {
		return StatusBad, "usage: action <name> <verb> [args...]", false
	}
	name, err := h.resolveOne(args[0])
	if err != nil {
		return StatusBad, err.Error(), false
	}
	verb := args[1]
	rest := strings.Join(args[2:], " ")
	switch verb {
	case "send":
		if err := h.mgr.Send(name, rest); err != nil {
			return StatusBad, err.Error(), false
		}
		return StatusOK, "", false
	default:
		return StatusBad, "unknown action verb: " + verb, false
	}
}

func (h *Handler) cmdStats(args []string) (byte, string, bool) {
	if len(args) == 0 {
		return StatusBad, "usage: stats <name|glob>...", false
	}
	var names []string
	for _, t := range args {
		matched, err := h.mgr.Resolve(t)
		if err != nil {
			return StatusBad, err.Error(), false
		}
		names = append(names, matched...)
	}
	var lines []string
	for _, n := range names {
		snap, ok := h.mgr.Stats(n)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s conns=%d msgs=%d bytes_in=%d bytes_out=%d peak=%d",
			n, snap.TotalConnections, snap.TotalMessages, snap.BytesIn, snap.BytesOut, snap.PeakConnections))
	}
	return StatusOK, strings.Join(lines, "\n"), false
}

func (h *Handler) cmdOwner(args []string) (byte, string, bool) {
	if len(args) != 1 {
		return StatusBad, "usage: owner <name>", false
	}
	name, err := h.resolveOne(args[0])
	if err != nil {
		return StatusBad, err.Error(), false
	}
	owner, policy, children, err := h.mgr.Owner(name)
	if err != nil {
		return StatusBad, err.Error(), false
	}
	body := fmt.Sprintf("owner=%s policy=%s children=%s", owner, policy, strings.Join(children, ","))
	return StatusOK, body, false
}

// cmdAttach implements "attach" (§4.10): register an externally-run
// process as a runtime, skipping setup and recording its pid directly in
// the running state via Manager.Attach.
func (h *Handler) cmdAttach(args []string) (byte, string, bool) {
	if len(args) < 3 {
		return StatusBad, "usage: attach <type> <name> <port> [--owner <n>] [--pid <p>]", false
	}
	kind := runtimecfg.Kind(args[0])
	name := args[1]
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return StatusBad, "invalid port: " + args[2], false
	}
	cfg := runtimecfg.Defaults()
	cfg.Type = kind
	cfg.Name = name
	cfg.Port = port
	cfg.ExternalRuntime = true

	rest := args[3:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--owner":
			if i+1 < len(rest) {
				cfg.Owner = rest[i+1]
				i++
			}
		case "--pid":
			if i+1 < len(rest) {
				pid, err := strconv.Atoi(rest[i+1])
				if err == nil {
					cfg.PID = pid
				}
				i++
			}
		}
	}
	if err := h.mgr.Attach(cfg); err != nil {
		return StatusBad, err.Error(), false
	}
	return StatusOK, "", false
}

func (h *Handler) cmdClusterDir(args []string) (byte, string, bool) {
	return StatusBad, "cluster mode is off", false
}

func (h *Handler) cmdList(args []string, runningOnly bool) (byte, string, bool) {
	silent := false
	for _, a := range args {
		if a == "-s" {
			silent = true
		}
	}
	names := h.mgr.Names()

	var lines []string
	if !silent {
		lines = append(lines, "NAME\tTYPE\tPORT\tSTATUS")
	}
	for _, n := range names {
		state, _ := h.mgr.State(n)
		if runningOnly && state != "running" {
			continue
		}
		cfg, ok := h.mgr.Config(n)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%d\t%s", n, cfg.Type, cfg.Port, state))
	}
	return StatusOK, strings.Join(lines, "\n"), false
}

// runInteractive reads lines from the control connection and hands each
// non-empty one to Manager.Send for the runtime, writing any Send error
// back on the connection. Runtime output is not echoed to the connection,
// and lines are not interpreted as cache commands. SIGINT, a line
// containing a NUL byte, or a read error or close on the socket ends the
// session.
func (h *Handler) runInteractive(name string, conn net.Conn, reader *bufio.Reader) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				continue
			}
			if strings.IndexByte(line, 0) >= 0 {
				return
			}
			if err := h.mgr.Send(name, line); err != nil {
				conn.Write([]byte(err.Error() + "\n"))
			}
		}
	}()

	select {
	case <-sigCh:
	case <-done:
	}
	log.Printf("control: interactive session on %s ended", name)
}
