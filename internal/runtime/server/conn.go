package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socketley/daemon/internal/proto/resp"
	"github.com/socketley/daemon/internal/proto/ws"
	"github.com/socketley/daemon/internal/ratelimit"
	"github.com/socketley/daemon/internal/runtimebase"
)

// protoState is the sticky auto-detected protocol for a connection (§4.7).
type protoState int

const (
	protoUnknown protoState = iota
	protoTCP
	protoHTTP
	protoWS
	protoRESP2
)

const maxOutboundQueue = 4096

// conn is one accepted connection's state.
type conn struct {
	rt       *Runtime
	fd       int
	nc       net.Conn
	remoteIP string
	bucket   *ratelimit.Bucket

	outbound chan []byte
	closed   int32

	mu           sync.Mutex
	proto        protoState
	lastActiveAt time.Time
	masterFails  int
	routedTo     *Runtime // non-nil once route_client(fd, target) registers this conn (§4.7 "Client routing")

	isMasterConn bool
}

func newConn(rt *Runtime, fd int, nc net.Conn, remoteIP string) *conn {
	c := &conn{
		rt:           rt,
		fd:           fd,
		nc:           nc,
		remoteIP:     remoteIP,
		bucket:       rt.Base.NewConnBucket(),
		outbound:     make(chan []byte, maxOutboundQueue),
		lastActiveAt: time.Now(),
	}
	go c.writeLoop()
	return c
}

func (c *conn) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActiveAt
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastActiveAt = time.Now()
	c.mu.Unlock()
}

// routedTarget returns the runtime this connection is currently routed to,
// or nil (§4.7 "Client routing").
func (c *conn) routedTarget() *Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routedTo
}

// enqueue pushes a buffer onto this connection's outbound queue (§5
// "Per-connection outbound queue cap (4096 messages)"). Overflow marks the
// connection closing rather than blocking the sender.
func (c *conn) enqueue(b []byte) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	select {
	case c.outbound <- b:
	default:
		c.close()
	}
}

func (c *conn) writeLine(s string) { c.enqueue([]byte(s)) }

// WriteLine implements cachestore.LineSink so a conn can be registered as a
// pub/sub subscriber for a cache attached via cfg.CacheName (§4.7 step 5).
func (c *conn) WriteLine(line string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return fmt.Errorf("connection %d closed", c.fd)
	}
	c.enqueue([]byte(line))
	return nil
}

func (c *conn) writeLoop() {
	for b := range c.outbound {
		if _, err := c.nc.Write(b); err != nil {
			c.close()
			return
		}
		c.rt.Base.Stats.BytesSent(len(b))
	}
}

// flushBlocking drains remaining queued writes synchronously (§4.7 teardown
// step 3, "if drain is set, flush each connection's outbound queue with
// blocking writes").
func (c *conn) flushBlocking() {
	for {
		select {
		case b := <-c.outbound:
			c.nc.Write(b)
		default:
			return
		}
	}
}

func (c *conn) close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	close(c.outbound)
	c.nc.Close()
	c.rt.mu.Lock()
	delete(c.rt.conns, c.fd)
	if c.rt.masterFD == c.fd {
		c.rt.masterFD = -1
	}
	c.rt.mu.Unlock()
	if c.rt.cache != nil {
		c.rt.cache.UnsubscribeAll(c.fd)
	}
	c.rt.Base.Hooks.FireDisconnect(c.fd)

	c.mu.Lock()
	target := c.routedTo
	c.routedTo = nil
	c.mu.Unlock()
	if target != nil {
		target.removeRoutedClient(c.fd)
		target.Base.Hooks.FireDisconnect(c.fd)
	}
}

// serve reads from nc, auto-detects the protocol on the first bytes, and
// dispatches into the matching mode loop (§4.7).
func (c *conn) serve() {
	defer c.close()
	reader := bufio.NewReaderSize(c.nc, 4096)

	peek, err := reader.Peek(4)
	if err != nil && len(peek) == 0 {
		return
	}
	c.proto = detectProtocol(peek)

	switch c.proto {
	case protoHTTP, protoWS:
		c.serveHTTP(reader)
	case protoRESP2:
		c.serveRESP(reader)
	default:
		c.serveTCP(reader)
	}
}

// detectProtocol implements the first-4-bytes heuristic (§4.7).
func detectProtocol(peek []byte) protoState {
	if len(peek) == 0 {
		return protoTCP
	}
	switch peek[0] {
	case '*', '$':
		return protoRESP2
	case '+':
		return protoRESP2
	}
	s := string(peek)
	for _, m := range []string{"GET ", "POST", "PUT ", "HEAD", "DELE", "PATC", "OPTI"} {
		if strings.HasPrefix(s, m[:min(len(s), len(m))]) {
			if strings.HasPrefix(s, "GET") {
				return protoWS // GET may upgrade; resolved for sure once headers are read
			}
			return protoHTTP
		}
	}
	return protoTCP
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// serveTCP implements newline-delimited mode (§4.7 "TCP mode").
func (c *conn) serveTCP(reader *bufio.Reader) {
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			c.touch()
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			c.rt.Base.Stats.BytesReceived(len(line))
			c.processMessage(line)
		}
		if err != nil {
			return
		}
	}
}

// serveRESP implements RESP2 mode (§4.7 "RESP2 mode"): parse up to 64 args,
// join with single spaces, route through process_message.
func (c *conn) serveRESP(reader *bufio.Reader) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				args, consumed, perr := resp.ParseCommand(buf)
				if perr == resp.ErrIncomplete {
					break
				}
				if perr != nil {
					c.writeLine(string(resp.EncodeError("protocol error")))
					buf = buf[:0]
					break
				}
				buf = buf[consumed:]
				c.touch()
				parts := make([]string, 0, len(args))
				for _, a := range args {
					if len(parts) >= 64 {
						break
					}
					parts = append(parts, string(a))
				}
				c.processMessage(strings.Join(parts, " "))
			}
		}
		if err != nil {
			return
		}
	}
}

// serveHTTP parses an HTTP/1.1 request (or performs the WebSocket upgrade)
// and loops over keep-alive requests / frames (§4.7 "HTTP mode",
// "WebSocket upgrade", "WebSocket frames").
func (c *conn) serveHTTP(reader *bufio.Reader) {
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		c.touch()

		headers := map[string]string{}
		for k := range req.Header {
			headers[k] = req.Header.Get(k)
		}

		if accept, ok := ws.VerifyHandshake(headers); ok && strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
			c.nc.Write(ws.BuildHandshakeResponse(accept))
			wsHeaders := runtimebase.WSHeaders{
				Cookie:        req.Header.Get("Cookie"),
				Origin:        req.Header.Get("Origin"),
				Protocol:      req.Header.Get("Sec-WebSocket-Protocol"),
				Authorization: req.Header.Get("Authorization"),
			}
			c.rt.Base.Hooks.FireWebsocket(c.fd, wsHeaders)
			c.serveWS(reader)
			return
		}

		var body []byte
		if req.Body != nil {
			body, _ = io.ReadAll(req.Body)
		}
		c.handleHTTPRequest(req, headers, body)

		if req.Close {
			return
		}
	}
}

func (c *conn) handleHTTPRequest(req *http.Request, headers map[string]string, body []byte) {
	hreq := runtimebase.HTTPRequest{
		Method:  req.Method,
		Path:    req.URL.Path,
		Version: req.Proto,
		Headers: headers,
		Body:    body,
	}

	if hookResp, handled := c.rt.Base.Hooks.FireHTTPRequest(hreq); handled {
		c.writeHTTPResponse(hookResp)
		return
	}

	if c.rt.cfg.HTTPDir != "" {
		c.serveStaticFile(req.URL.Path)
		return
	}

	c.writeHTTPResponse(runtimebase.HTTPResponse{Status: 404, Body: []byte("not found")})
}

func (c *conn) writeHTTPResponse(r runtimebase.HTTPResponse) {
	var buf bytes.Buffer
	reason := http.StatusText(r.Status)
	if reason == "" {
		reason = "OK"
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", r.Status, reason)
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	if _, ok := r.Headers["Content-Length"]; !ok {
		r.Headers["Content-Length"] = fmt.Sprintf("%d", len(r.Body))
	}
	if _, ok := r.Headers["Connection"]; !ok {
		r.Headers["Connection"] = "keep-alive"
	}
	for k, v := range r.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	c.enqueue(buf.Bytes())
}

// serveWS loops parsing and dispatching WebSocket frames (§4.7 "WebSocket
// frames").
func (c *conn) serveWS(reader *bufio.Reader) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, consumed, perr := ws.ParseFrame(buf)
				if perr == ws.ErrIncomplete {
					break
				}
				if perr != nil {
					return
				}
				buf = buf[consumed:]
				c.touch()
				switch frame.Opcode {
				case ws.OpText:
					c.processMessage(string(frame.Payload))
				case ws.OpPing:
					c.enqueue(ws.BuildPongFrame(frame.Payload))
				case ws.OpClose:
					c.enqueue(ws.BuildCloseFrame())
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}
