package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// serveTCPProxy implements TCP mode (§4.9 "TCP mode"): select + connect on
// first read, then relay raw bytes in both directions. Grounded on the
// teacher's relay() (internal/router/router.go): two io.Copy goroutines.
// Each direction half-closes its write side on EOF instead of killing the
// whole connection, so a backend that keeps the session open after one
// exchange can actually be handed back to the pool (§4.9 "reuse
// connections <60s old"); acquire()'s staleness probe catches the common
// case where it didn't.
func (r *Runtime) serveTCPProxy(client net.Conn) {
	attempts := r.cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	tried := make(map[int]bool)
	var backendConn net.Conn
	var b *backend

	for i := 0; i < attempts; i++ {
		idx := r.selectBackend("", "")
		if tried[idx] && len(tried) < len(r.backends) {
			continue
		}
		tried[idx] = true
		b = r.backends[idx]

		conn, err := b.acquire()
		if err != nil {
			b.recordResult(false)
			continue
		}
		backendConn = conn
		b.recordResult(true)
		break
	}

	if backendConn == nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(backendConn, client)
		closeWrite(backendConn)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, backendConn)
		closeWrite(client)
	}()
	wg.Wait()
	b.release(backendConn)
}

// closeWrite half-closes conn's write side if it supports one (true for
// *net.TCPConn), so the peer sees a clean EOF instead of a reset.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// headerContentLength returns the parsed Content-Length header value from
// a slice of raw "Name: value\r\n" header lines, or -1 if absent or
// unparseable (chunked/unknown framing).
func headerContentLength(lines []string) int64 {
	for _, line := range lines {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return -1
		}
		return n
	}
	return -1
}

// parseStatusCode extracts the numeric status from an HTTP status line,
// returning 0 if it can't be parsed.
func parseStatusCode(statusLine string) int {
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

// serveHTTPProxy implements HTTP mode (§4.9 "HTTP mode"): parse the
// request line and headers, validate the /<proxy-name>/ path prefix,
// rewrite only the path, forward to a selected backend, then read its
// response well enough to know whether the exchange actually succeeded
// (§4.9 circuit-breaker failures: connect error, early close, HTTP 5xx)
// before relaying it to the client.
func (r *Runtime) serveHTTPProxy(client net.Conn) {
	reader := bufio.NewReader(client)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimRight(requestLine, "\r\n"), " ", 3)
	if len(parts) != 3 {
		return
	}
	method, path, version := parts[0], parts[1], parts[2]

	prefix := "/" + r.cfg.Name
	var rewritten string
	switch {
	case path == prefix:
		rewritten = "/"
	case strings.HasPrefix(path, prefix+"/"):
		rewritten = strings.TrimPrefix(path, prefix)
	default:
		client.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
		return
	}

	var headerLines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		headerLines = append(headerLines, line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	rewrittenRequestLine := fmt.Sprintf("%s %s %s\r\n", method, rewritten, version)
	requestBodyLen := headerContentLength(headerLines)

	attempts := r.cfg.RetryCount + 1
	if attempts < 1 || (!r.cfg.RetryAll && !isIdempotentMethod(method)) {
		attempts = 1
	}

	tried := make(map[int]bool)
	var backendConn net.Conn
	var b *backend

	for i := 0; i < attempts; i++ {
		idx := r.selectBackend(method, rewritten)
		if tried[idx] && len(tried) < len(r.backends) {
			continue
		}
		tried[idx] = true
		b = r.backends[idx]

		conn, err := b.acquire()
		if err != nil {
			b.recordResult(false)
			continue
		}

		if _, err := conn.Write([]byte(rewrittenRequestLine)); err != nil {
			conn.Close()
			b.recordResult(false)
			continue
		}
		wroteHeaders := true
		for _, hl := range headerLines {
			if _, err := conn.Write([]byte(hl)); err != nil {
				conn.Close()
				b.recordResult(false)
				wroteHeaders = false
				break
			}
		}
		if !wroteHeaders {
			continue
		}
		if requestBodyLen > 0 {
			if _, err := io.CopyN(conn, reader, requestBodyLen); err != nil {
				conn.Close()
				b.recordResult(false)
				continue
			}
		}
		backendConn = conn
		break
	}

	if backendConn == nil {
		client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"))
		return
	}

	// recordResult is decided by the backend's actual response, not by
	// connect/write success alone (§4.9): connect error, early close, and
	// HTTP 5xx all count as failures.
	backendReader := bufio.NewReader(backendConn)
	statusLine, err := backendReader.ReadString('\n')
	if err != nil {
		b.recordResult(false)
		backendConn.Close()
		client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"))
		return
	}
	var responseHeaderLines []string
	for {
		line, err := backendReader.ReadString('\n')
		if err != nil {
			b.recordResult(false)
			backendConn.Close()
			return
		}
		responseHeaderLines = append(responseHeaderLines, line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	status := parseStatusCode(statusLine)
	ok := status == 0 || status < 500
	b.recordResult(ok)

	client.Write([]byte(statusLine))
	for _, hl := range responseHeaderLines {
		client.Write([]byte(hl))
	}

	responseBodyLen := headerContentLength(responseHeaderLines)
	if responseBodyLen >= 0 {
		io.CopyN(client, backendReader, responseBodyLen)
		if ok {
			b.release(backendConn)
		} else {
			backendConn.Close()
		}
		return
	}

	// Unknown framing (chunked, or no Content-Length at all): relay
	// whatever's left raw and retire the connection rather than risk
	// handing a partially-drained socket back to the pool.
	io.Copy(client, backendReader)
	backendConn.Close()
}
