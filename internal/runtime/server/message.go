package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/socketley/daemon/internal/cachestore"
	"github.com/socketley/daemon/internal/proto/ws"
	"github.com/socketley/daemon/internal/runtimebase"
)

// processMessage implements the process_message pipeline (§4.7).
func (c *conn) processMessage(msg string) {
	if !c.bucket.Allow() {
		return
	}
	if !c.rt.Base.GlobalAllow() {
		return
	}

	if target := c.routedTarget(); target != nil {
		target.handleRoutedMessage(c.fd, msg)
		return
	}

	c.rt.Base.Stats.MessageProcessed()
	c.rt.Base.LogMessage(msg)
	c.rt.Base.Hooks.FireClientMessage(c.fd, msg)

	if c.rt.cache != nil && strings.HasPrefix(msg, "cache ") {
		reply := execCacheCommand(c.rt.cache, c, strings.TrimPrefix(msg, "cache "))
		c.writeLine(reply)
		return
	}

	if c.rt.cache != nil {
		key := fmt.Sprintf("%s:%d", c.rt.cfg.Name, c.rt.nextSeq())
		c.rt.cache.Set(key, msg)
	}

	switch c.rt.cfg.Mode {
	case "master":
		c.processMasterMessage(msg)
	case "in":
		c.rt.Base.Hooks.FireMessage(msg)
	case "out":
		// purely a push endpoint; no local dispatch
	default: // "inout"
		if !c.rt.Base.Hooks.FireMessage(msg) {
			c.rt.broadcast(msg, c.fd)
		}
	}
}

// InjectMessage pushes msg into the runtime as if it had been received on a
// connection (§4.10 "send <name> <message>"). It runs the same mode
// dispatch processMessage does, minus the per-connection rate limit and
// cache-key storage that only make sense for a real client connection. In
// master mode it fires on_message only, as handleRoutedMessage does, since
// an injected message has no connection that could log in or be forwarded.
func (r *Runtime) InjectMessage(msg string) {
	if !r.Base.GlobalAllow() {
		return
	}
	r.Base.Stats.MessageProcessed()
	r.Base.LogMessage(msg)

	switch r.cfg.Mode {
	case "in", "master":
		r.Base.Hooks.FireMessage(msg)
	case "out":
	default:
		if !r.Base.Hooks.FireMessage(msg) {
			r.broadcast(msg, -1)
		}
	}
}

func (r *Runtime) nextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// processMasterMessage implements master mode (§4.7 "Master mode").
func (c *conn) processMasterMessage(msg string) {
	if strings.HasPrefix(msg, "master ") {
		pw := strings.TrimPrefix(msg, "master ")
		ok := false
		if c.rt.cfg.MasterPW != "" {
			ok = constantTimeEqual(pw, c.rt.cfg.MasterPW)
		}
		if !ok {
			ok = c.rt.Base.Hooks.FireMasterAuth(c.fd, pw)
		}
		if ok {
			c.rt.mu.Lock()
			c.rt.masterFD = c.fd
			c.rt.mu.Unlock()
			c.isMasterConn = true
			c.writeLine("master: ok\n")
			return
		}
		c.masterFails++
		if c.masterFails >= 5 {
			c.close()
		}
		c.rt.recordAuthFailure(c.remoteIP)
		c.writeLine("master: denied\n")
		return
	}

	c.rt.mu.RLock()
	isMaster := c.rt.masterFD == c.fd
	masterFD := c.rt.masterFD
	c.rt.mu.RUnlock()

	if isMaster {
		c.rt.broadcast(msg, c.fd)
		return
	}
	if c.rt.cfg.MasterForward && masterFD >= 0 {
		c.rt.sendTo(masterFD, fmt.Sprintf("[%d] %s\n", c.fd, msg))
	}
}

// broadcast delivers msg to every connection except excludeFD (§4.7
// "Broadcast").
func (r *Runtime) broadcast(msg string, excludeFD int) {
	r.mu.RLock()
	targets := make([]*conn, 0, len(r.conns))
	for fd, cn := range r.conns {
		if fd == excludeFD {
			continue
		}
		targets = append(targets, cn)
	}
	r.mu.RUnlock()

	r.Base.Hooks.FireSend(msg)
	r.Base.LogOutbound(msg)

	var wsFrame []byte
	for _, cn := range targets {
		if cn.proto == protoWS {
			if wsFrame == nil {
				wsFrame = buildWSTextFrame(msg)
			}
			cn.enqueue(wsFrame)
		} else {
			cn.writeLine(msg + "\n")
		}
	}
}

func (r *Runtime) sendTo(fd int, msg string) {
	r.mu.RLock()
	cn, ok := r.conns[fd]
	r.mu.RUnlock()
	if !ok {
		return
	}
	cn.writeLine(msg)
}

// RouteClient implements §4.7 "Client routing": route_client(fd,
// target_server_name) registers fd (a connection on this runtime) as a
// forwarded client on the target runtime. From then on processMessage
// forwards that connection's messages to the target instead of processing
// them locally, and the target's on_connect/on_message/on_disconnect hooks
// fire for it as if it were one of the target's own connections.
func (r *Runtime) RouteClient(fd int, targetName string) error {
	if r.lookup == nil {
		return fmt.Errorf("route_client: %q has no runtime lookup configured", r.cfg.Name)
	}
	target, ok := r.lookup.ServerByName(targetName)
	if !ok {
		return fmt.Errorf("route_client: target runtime %q not found", targetName)
	}

	r.mu.RLock()
	cn, ok := r.conns[fd]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("route_client: fd %d not found on %q", fd, r.cfg.Name)
	}

	cn.mu.Lock()
	cn.routedTo = target
	cn.mu.Unlock()

	target.mu.Lock()
	target.routedClients[fd] = &routedClient{origin: r, fd: fd}
	target.mu.Unlock()

	target.Base.Hooks.FireConnect(fd)
	return nil
}

// removeRoutedClient drops a forwarded-client registration, called when the
// origin connection closes (§4.7 "Client routing").
func (r *Runtime) removeRoutedClient(fd int) {
	r.mu.Lock()
	delete(r.routedClients, fd)
	r.mu.Unlock()
}

// SendToClient implements §4.7 "send_to_client(fd, msg)": a runtime that
// received a routed connection writes back to it by going through the
// original server's write path, not its own conns map.
func (r *Runtime) SendToClient(fd int, msg string) error {
	r.mu.RLock()
	rc, ok := r.routedClients[fd]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send_to_client: fd %d is not routed to %q", fd, r.cfg.Name)
	}
	rc.origin.sendTo(fd, msg)
	return nil
}

// handleRoutedMessage runs the equivalent of processMessage's steps 4-7 on
// behalf of a connection that belongs to another runtime but was forwarded
// here via RouteClient (§4.7 "Client routing" step 3: "forward the message
// to the routed server runtime instead of local processing").
func (r *Runtime) handleRoutedMessage(fd int, msg string) {
	r.Base.Stats.MessageProcessed()
	r.Base.Hooks.FireClientMessage(fd, msg)

	switch r.cfg.Mode {
	case "in", "master":
		r.Base.Hooks.FireMessage(msg)
	case "out":
		// purely a push endpoint; no local dispatch
	default: // "inout"
		if !r.Base.Hooks.FireMessage(msg) {
			r.broadcast(msg, -1)
		}
	}
}

// OwnerSend implements §4.7 "Owner send": owner_send(fd, msg) lets a
// sub-server write to one of its parent server's connections, delegating
// to the parent's own write path.
func (r *Runtime) OwnerSend(fd int, msg string) error {
	owner, err := r.ownerRuntime()
	if err != nil {
		return err
	}
	owner.sendTo(fd, msg)
	return nil
}

// OwnerBroadcast implements §4.7 "Owner send": owner_broadcast(msg)
// broadcasts through the parent server runtime's write path.
func (r *Runtime) OwnerBroadcast(msg string) error {
	owner, err := r.ownerRuntime()
	if err != nil {
		return err
	}
	owner.broadcast(msg, -1)
	return nil
}

func (r *Runtime) ownerRuntime() (*Runtime, error) {
	if r.cfg.Owner == "" {
		return nil, fmt.Errorf("owner_send: %q has no owner", r.cfg.Name)
	}
	if r.lookup == nil {
		return nil, fmt.Errorf("owner_send: %q has no runtime lookup configured", r.cfg.Name)
	}
	owner, ok := r.lookup.ServerByName(r.cfg.Owner)
	if !ok {
		return nil, fmt.Errorf("owner_send: owner runtime %q not found", r.cfg.Owner)
	}
	return owner, nil
}

// serveStaticFile implements the http_dir static file path (§4.7 HTTP mode
// step 2): percent-decode, reject `..`, resolve against a canonical base,
// reject anything that escapes it.
func (c *conn) serveStaticFile(reqPath string) {
	if reqPath == "/" {
		reqPath = "/index.html"
	}
	cleaned := filepath.Clean("/" + reqPath)
	if strings.Contains(cleaned, "..") {
		c.writeHTTPResponse(runtimebase.HTTPResponse{Status: 400, Body: []byte("bad path")})
		return
	}

	base, err := filepath.Abs(c.rt.cfg.HTTPDir)
	if err != nil {
		c.writeHTTPResponse(runtimebase.HTTPResponse{Status: 500, Body: []byte("internal error")})
		return
	}
	full := filepath.Join(base, cleaned)
	resolvedBase, err1 := filepath.EvalSymlinks(base)
	resolved, err2 := filepath.EvalSymlinks(full)
	if err1 == nil && err2 == nil && !strings.HasPrefix(resolved, resolvedBase) {
		c.writeHTTPResponse(runtimebase.HTTPResponse{Status: 403, Body: []byte("forbidden")})
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		c.writeHTTPResponse(runtimebase.HTTPResponse{Status: 404, Body: []byte("not found")})
		return
	}

	headers := map[string]string{"Content-Type": contentTypeFor(full)}
	if strings.HasSuffix(full, ".html") {
		data = injectReconnectScript(data)
	}
	c.writeHTTPResponse(runtimebase.HTTPResponse{Status: 200, Headers: headers, Body: data})
}

// injectReconnectScript appends the WebSocket auto-reconnect tag to HTML
// responses served from http_dir (§4.7 HTTP mode step 2).
func injectReconnectScript(html []byte) []byte {
	const tag = `<script>(function(){var a=0;function c(){var ws=new WebSocket("ws://"+location.host+"/");ws.onclose=function(){setTimeout(c,Math.min(1000*Math.pow(2,a++),30000));};}c();})();</script>`
	idx := strings.LastIndex(string(html), "</body>")
	if idx < 0 {
		return append(html, []byte(tag)...)
	}
	out := make([]byte, 0, len(html)+len(tag))
	out = append(out, html[:idx]...)
	out = append(out, []byte(tag)...)
	out = append(out, html[idx:]...)
	return out
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func buildWSTextFrame(msg string) []byte {
	return ws.BuildTextFrame([]byte(msg))
}

// execCacheCommand runs the "cache <verb> ..." subset (§4.7 step 5, "cache
// command dispatch"): the reply goes back to the sender only, never
// broadcast. It covers the scalar/list/set/hash verbs a server-attached
// cache needs; admin-only verbs (flush, load, replicate) are left to the
// cache runtime's own listener.
func execCacheCommand(store *cachestore.Store, c *conn, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty cache command\n"
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "set":
		if len(args) < 2 {
			return "error: set requires key and value\n"
		}
		if err := store.Set(args[0], strings.Join(args[1:], " ")); err != nil {
			return cacheErrLine(err)
		}
		return "ok\n"

	case "get":
		if len(args) < 1 {
			return "error: get requires key\n"
		}
		v, ok := store.Get(args[0])
		if !ok {
			return "nil\n"
		}
		return v + "\n"

	case "del":
		if len(args) < 1 {
			return "error: del requires key\n"
		}
		return cacheBoolReply(store.Del(args[0]))

	case "exists":
		if len(args) < 1 {
			return "error: exists requires key\n"
		}
		return cacheBoolReply(store.Exists(args[0]))

	case "lpush", "rpush":
		if len(args) < 2 {
			return fmt.Sprintf("error: %s requires key and value(s)\n", cmd)
		}
		var n int
		var err error
		if cmd == "lpush" {
			n, err = store.LPush(args[0], args[1:]...)
		} else {
			n, err = store.RPush(args[0], args[1:]...)
		}
		if err != nil {
			return cacheErrLine(err)
		}
		return strconv.Itoa(n) + "\n"

	case "lpop", "rpop":
		if len(args) < 1 {
			return fmt.Sprintf("error: %s requires key\n", cmd)
		}
		var v string
		var ok bool
		if cmd == "lpop" {
			v, ok = store.LPop(args[0])
		} else {
			v, ok = store.RPop(args[0])
		}
		if !ok {
			return "nil\n"
		}
		return v + "\n"

	case "sadd":
		if len(args) < 2 {
			return "error: sadd requires key and member\n"
		}
		added, err := store.SAdd(args[0], args[1])
		if err != nil {
			return cacheErrLine(err)
		}
		return cacheBoolReply(added)

	case "hset":
		if len(args) < 3 {
			return "error: hset requires key, field, value\n"
		}
		_, err := store.HSet(args[0], args[1], strings.Join(args[2:], " "))
		if err != nil {
			return cacheErrLine(err)
		}
		return "ok\n"

	case "hget":
		if len(args) < 2 {
			return "error: hget requires key and field\n"
		}
		v, ok := store.HGet(args[0], args[1])
		if !ok {
			return "nil\n"
		}
		return v + "\n"

	case "expire":
		if len(args) < 2 {
			return "error: expire requires key and seconds\n"
		}
		seconds, err := strconv.Atoi(args[1])
		if err != nil {
			return "error: invalid seconds\n"
		}
		return cacheBoolReply(store.Expire(args[0], seconds))

	case "ttl":
		if len(args) < 1 {
			return "error: ttl requires key\n"
		}
		return strconv.FormatInt(store.TTL(args[0]), 10) + "\n"

	case "subscribe":
		if len(args) < 1 {
			return "error: subscribe requires channel\n"
		}
		store.Subscribe(c.fd, args[0], c)
		return "ok\n"

	case "publish":
		if len(args) < 2 {
			return "error: publish requires channel and message\n"
		}
		n := store.Publish(args[0], strings.Join(args[1:], " "))
		return strconv.Itoa(n) + "\n"

	default:
		return "error: unknown cache command\n"
	}
}

func cacheBoolReply(b bool) string {
	if b {
		return "1\n"
	}
	return "0\n"
}

func cacheErrLine(err error) string {
	switch err {
	case cachestore.ErrReadonly:
		return "denied: readonly mode\n"
	case cachestore.ErrOOM:
		return "error: oom\n"
	case cachestore.ErrTypeConflict:
		return "error: type conflict\n"
	default:
		return "error: " + err.Error() + "\n"
	}
}
