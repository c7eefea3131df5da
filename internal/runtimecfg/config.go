// Package runtimecfg defines the persisted configuration shape shared by
// every runtime kind (§3, §6 "Persisted state"). A single struct is used
// for all four kinds; fields that don't apply to a kind are left at their
// zero value and omitted by the JSON marshaler, matching "the writer emits
// only non-default fields; the parser tolerates missing fields and uses
// documented defaults."
package runtimecfg

// Kind enumerates the four runtime kinds (§3).
type Kind string

const (
	KindServer Kind = "server"
	KindClient Kind = "client"
	KindProxy  Kind = "proxy"
	KindCache  Kind = "cache"
)

// ChildPolicy decides what happens to a runtime's children when it stops.
type ChildPolicy string

const (
	ChildStop   ChildPolicy = "stop"
	ChildRemove ChildPolicy = "remove"
)

// TLSConfig is the cert/key/CA triple; TLS termination itself is out of
// scope (§1) and treated as a decorator over the plain byte stream.
type TLSConfig struct {
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
	CA   string `json:"ca,omitempty"`
}

// Backend describes one proxy backend entry before DNS/local-runtime
// resolution (§4.9).
type Backend struct {
	Address string `json:"address"`
}

// Upstream describes one server-runtime upstream fan-out target (§4.7).
type Upstream struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Config is the union of every runtime's persisted tunables (§6).
type Config struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Type Kind   `json:"type"`
	Port int    `json:"port,omitempty"`

	WasRunning bool `json:"was_running"`

	LogFile         string `json:"log_file,omitempty"`
	WriteFile       string `json:"write_file,omitempty"`
	LuaScript       string `json:"lua_script,omitempty"`
	BashOutput      bool   `json:"bash_output,omitempty"`
	BashPrefix      bool   `json:"bash_prefix,omitempty"`
	BashTimestamp   bool   `json:"bash_timestamp,omitempty"`

	MaxConnections   int     `json:"max_connections,omitempty"`
	RateLimit        float64 `json:"rate_limit,omitempty"`
	GlobalRateLimit  float64 `json:"global_rate_limit,omitempty"`
	IdleTimeout      int     `json:"idle_timeout,omitempty"`
	Drain            bool    `json:"drain,omitempty"`
	Reconnect        int     `json:"reconnect,omitempty"`

	TLS     *TLSConfig `json:"tls,omitempty"`
	CertPath string    `json:"cert_path,omitempty"`
	KeyPath  string    `json:"key_path,omitempty"`
	CAPath   string    `json:"ca_path,omitempty"`

	Target    string `json:"target,omitempty"`
	CacheName string `json:"cache_name,omitempty"`
	Group     string `json:"group,omitempty"`
	Owner     string `json:"owner,omitempty"`

	ChildPolicy ChildPolicy `json:"child_policy,omitempty"`

	ExternalRuntime bool   `json:"external_runtime,omitempty"`
	Managed         bool   `json:"managed,omitempty"`
	ExecPath        string `json:"exec_path,omitempty"`
	PID             int    `json:"pid,omitempty"`

	// Server fields
	Mode           string     `json:"mode,omitempty"` // inout|in|out|master
	UDP            bool       `json:"udp,omitempty"`
	MasterPW       string     `json:"master_pw,omitempty"`
	MasterForward  bool       `json:"master_forward,omitempty"`
	HTTPDir        string     `json:"http_dir,omitempty"`
	HTTPCache      bool       `json:"http_cache,omitempty"`
	Upstreams      []Upstream `json:"upstreams,omitempty"`

	// Proxy fields
	Protocol          string    `json:"protocol,omitempty"` // http|tcp
	Strategy          string    `json:"strategy,omitempty"` // round_robin|random|lua
	Backends          []Backend `json:"backends,omitempty"`
	HealthCheck       bool      `json:"health_check,omitempty"`
	HealthInterval    int       `json:"health_interval,omitempty"`
	HealthPath        string    `json:"health_path,omitempty"`
	HealthThreshold   int       `json:"health_threshold,omitempty"`
	CircuitThreshold  int       `json:"circuit_threshold,omitempty"`
	CircuitTimeout    int       `json:"circuit_timeout,omitempty"`
	RetryCount        int       `json:"retry_count,omitempty"`
	RetryAll          bool      `json:"retry_all,omitempty"`

	// Cache fields
	PersistentPath  string `json:"persistent_path,omitempty"`
	CacheMode       string `json:"cache_mode,omitempty"` // readonly|readwrite|admin
	RESPForced      bool   `json:"resp_forced,omitempty"`
	ReplicateTarget string `json:"replicate_target,omitempty"`
	MaxMemory       int64  `json:"max_memory,omitempty"`
	Eviction        string `json:"eviction,omitempty"` // none|allkeys_lru|allkeys_random
}

// Defaults documents the knob defaults resolved from
// original_source/socketley/daemon/flag_handlers.cpp where spec.md itself
// is silent (SPEC_FULL.md "Supplemented features").
func Defaults() Config {
	return Config{
		MaxConnections:   1024,
		IdleTimeout:      0, // disabled
		Reconnect:        -1,
		Mode:             "inout",
		Strategy:         "round_robin",
		Protocol:         "tcp",
		HealthInterval:   10,
		HealthThreshold:  3,
		CircuitThreshold: 5,
		CircuitTimeout:   30,
		RetryCount:       0,
		CacheMode:        "readwrite",
		Eviction:         "none",
		ChildPolicy:      ChildStop,
	}
}
