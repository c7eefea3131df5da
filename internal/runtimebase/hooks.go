package runtimebase

import "log"

// ScriptHandle is an opaque reference to a script-side callback. The
// embedded scripting layer itself is an external collaborator (§1
// Non-goals: "scripts are opaque, callbacks are named hooks"); this type
// only exists so the Hooks struct can carry the "or script" half of the
// native-or-script dispatch contract (§9 Design Notes: "Dynamic hook
// dispatch (native or script)").
type ScriptHandle struct {
	Name string
}

// HTTPRequest/HTTPResponse are the shapes on_http_request exchanges (§4.3, §4.7).
type HTTPRequest struct {
	Method  string
	Path    string
	Version string
	Headers map[string]string
	Body    []byte
}

type HTTPResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// WSHeaders carries the handshake headers on_websocket receives (§4.3, §4.7).
type WSHeaders struct {
	Cookie     string
	Origin     string
	Protocol   string
	Authorization string
}

// Hooks is the full native-callback table (§4.3). Every hook has a native
// Go function slot and a Script slot; the native function is invoked when
// set. A Script handle is never run, since no script engine is wired:
// on_start, on_stop, on_connect, on_websocket, on_client_message and
// on_disconnect log that a registered script was skipped, and the other
// hooks ignore the Script slot. guard recovers from a panicking native
// hook, so hook failures never propagate into the event loop.
type Hooks struct {
	OnStart   func()
	OnStartScript *ScriptHandle

	OnStop   func()
	OnStopScript *ScriptHandle

	OnConnect   func(fd int)
	OnConnectScript *ScriptHandle

	OnAuth   func(fd int) bool
	OnAuthScript *ScriptHandle

	OnWebsocket   func(fd int, headers WSHeaders)
	OnWebsocketScript *ScriptHandle

	// OnMessage returns true if it fully handled the message (suppressing
	// the runtime's default broadcast/forward behavior), per §4.7 step 7.
	OnMessage   func(msg string) bool
	OnMessageScript *ScriptHandle

	OnClientMessage   func(fd int, msg string)
	OnClientMessageScript *ScriptHandle

	OnSend   func(msg string)
	OnSendScript *ScriptHandle

	OnDisconnect   func(fd int)
	OnDisconnectScript *ScriptHandle

	OnTick   func(dtMillis int64)
	OnTickScript *ScriptHandle

	// OnRoute returns a backend index, or -1 to fall back to round-robin.
	OnRoute   func(method, path string) int
	OnRouteScript *ScriptHandle

	OnMasterAuth   func(fd int, password string) bool
	OnMasterAuthScript *ScriptHandle

	OnHTTPRequest   func(req HTTPRequest) (HTTPResponse, bool)
	OnHTTPRequestScript *ScriptHandle

	OnUpstream   func(connID int, data string)
	OnUpstreamScript *ScriptHandle

	OnUpstreamConnect   func(connID int)
	OnUpstreamConnectScript *ScriptHandle

	OnUpstreamDisconnect   func(connID int)
	OnUpstreamDisconnectScript *ScriptHandle
}

// guard recovers from a panicking native hook, logging but never
// propagating — "Hooks that throw or panic are caught at the hook
// boundary, logged, and suppressed" (§7).
func guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("hook %s panicked: %v", name, r)
		}
	}()
	fn()
}

func (h *Hooks) FireStart() {
	if h.OnStart != nil {
		guard("on_start", h.OnStart)
		return
	}
	h.logScriptSkipped("on_start", h.OnStartScript)
}

func (h *Hooks) FireStop() {
	if h.OnStop != nil {
		guard("on_stop", h.OnStop)
		return
	}
	h.logScriptSkipped("on_stop", h.OnStopScript)
}

func (h *Hooks) FireConnect(fd int) {
	if h.OnConnect != nil {
		guard("on_connect", func() { h.OnConnect(fd) })
		return
	}
	h.logScriptSkipped("on_connect", h.OnConnectScript)
}

// FireAuth returns true (allow) if no hook is installed — auth only gates
// when a hook is actually present (§4.7 step 5).
func (h *Hooks) FireAuth(fd int) (result bool) {
	if h.OnAuth == nil {
		return true
	}
	result = true
	guard("on_auth", func() { result = h.OnAuth(fd) })
	return result
}

func (h *Hooks) FireWebsocket(fd int, headers WSHeaders) {
	if h.OnWebsocket != nil {
		guard("on_websocket", func() { h.OnWebsocket(fd, headers) })
		return
	}
	h.logScriptSkipped("on_websocket", h.OnWebsocketScript)
}

// FireMessage returns true if a hook intercepted the message (suppressing
// default broadcast), false if there was no hook or it declined.
func (h *Hooks) FireMessage(msg string) (handled bool) {
	if h.OnMessage == nil {
		return false
	}
	guard("on_message", func() { handled = h.OnMessage(msg) })
	return handled
}

func (h *Hooks) FireClientMessage(fd int, msg string) {
	if h.OnClientMessage != nil {
		guard("on_client_message", func() { h.OnClientMessage(fd, msg) })
		return
	}
	h.logScriptSkipped("on_client_message", h.OnClientMessageScript)
}

func (h *Hooks) FireSend(msg string) {
	if h.OnSend != nil {
		guard("on_send", func() { h.OnSend(msg) })
	}
}

func (h *Hooks) FireDisconnect(fd int) {
	if h.OnDisconnect != nil {
		guard("on_disconnect", func() { h.OnDisconnect(fd) })
		return
	}
	h.logScriptSkipped("on_disconnect", h.OnDisconnectScript)
}

func (h *Hooks) FireTick(dtMillis int64) {
	if h.OnTick != nil {
		guard("on_tick", func() { h.OnTick(dtMillis) })
	}
}

// HasTick reports whether a tick hook is installed (native or script),
// used to decide whether to (re)arm the tick timeout (§4.3).
func (h *Hooks) HasTick() bool {
	return h.OnTick != nil || h.OnTickScript != nil
}

// FireRoute returns (index, true) if a hook chose a backend (a non-negative
// index); otherwise handled is false.
func (h *Hooks) FireRoute(method, path string) (idx int, handled bool) {
	if h.OnRoute == nil {
		return 0, false
	}
	idx = -1
	guard("on_route", func() { idx = h.OnRoute(method, path) })
	return idx, idx >= 0
}

func (h *Hooks) FireMasterAuth(fd int, password string) (result bool) {
	if h.OnMasterAuth == nil {
		return false
	}
	guard("on_master_auth", func() { result = h.OnMasterAuth(fd, password) })
	return result
}

func (h *Hooks) FireHTTPRequest(req HTTPRequest) (resp HTTPResponse, handled bool) {
	if h.OnHTTPRequest == nil {
		return HTTPResponse{}, false
	}
	guard("on_http_request", func() { resp, handled = h.OnHTTPRequest(req) })
	return resp, handled
}

func (h *Hooks) FireUpstream(connID int, data string) {
	if h.OnUpstream != nil {
		guard("on_upstream", func() { h.OnUpstream(connID, data) })
	}
}

func (h *Hooks) FireUpstreamConnect(connID int) {
	if h.OnUpstreamConnect != nil {
		guard("on_upstream_connect", func() { h.OnUpstreamConnect(connID) })
	}
}

func (h *Hooks) FireUpstreamDisconnect(connID int) {
	if h.OnUpstreamDisconnect != nil {
		guard("on_upstream_disconnect", func() { h.OnUpstreamDisconnect(connID) })
	}
}

func (h *Hooks) logScriptSkipped(name string, handle *ScriptHandle) {
	if handle != nil {
		log.Printf("hook %s: script %q registered but no script engine is wired (out of scope)", name, handle.Name)
	}
}
