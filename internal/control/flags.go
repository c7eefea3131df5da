package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/socketley/daemon/internal/runtimecfg"
)

// applyCreateFlags parses the `create <type> <name> [flags...]` tail
// (§4.10) and mutates cfg in place. Grounded on the teacher's
// parseRunFlags (cmd/aegis/main.go): a manual index-walked token loop,
// switching on the flag name and consuming the next token for
// value-taking flags, rather than the stdlib flag package (which wants
// flags before positional args and can't express this command's
// type-specific flag sets cleanly).
func applyCreateFlags(cfg *runtimecfg.Config, args []string) error {
	for i := 0; i < len(args); i++ {
		a := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", a)
			}
			i++
			return args[i], nil
		}
		nextInt := func() (int, error) {
			s, err := next()
			if err != nil {
				return 0, err
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return 0, fmt.Errorf("%s: invalid integer %q", a, s)
			}
			return n, nil
		}
		nextFloat := func() (float64, error) {
			s, err := next()
			if err != nil {
				return 0, err
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, fmt.Errorf("%s: invalid number %q", a, s)
			}
			return f, nil
		}

		switch a {
		case "-p":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.Port = v
		case "--log":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.LogFile = v
		case "-w":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.WriteFile = v
		case "--lua":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.LuaScript = v
		case "-b":
			cfg.BashOutput = true
		case "-bp":
			cfg.BashOutput, cfg.BashPrefix = true, true
		case "-bt":
			cfg.BashOutput, cfg.BashTimestamp = true, true
		case "-bpt":
			cfg.BashOutput, cfg.BashPrefix, cfg.BashTimestamp = true, true, true
		case "--max-connections":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.MaxConnections = v
		case "--rate-limit":
			v, err := nextFloat()
			if err != nil {
				return err
			}
			cfg.RateLimit = v
		case "--global-rate-limit":
			v, err := nextFloat()
			if err != nil {
				return err
			}
			cfg.GlobalRateLimit = v
		case "--idle-timeout":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.IdleTimeout = v
		case "--drain":
			cfg.Drain = true
		case "--reconnect":
			// optional numeric argument; bare --reconnect means "unlimited" (0)
			if i+1 < len(args) {
				if n, err := strconv.Atoi(args[i+1]); err == nil {
					cfg.Reconnect = n
					i++
					break
				}
			}
			cfg.Reconnect = 0
		case "--tls":
			if cfg.TLS == nil {
				cfg.TLS = &runtimecfg.TLSConfig{}
			}
		case "--cert":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.CertPath = v
		case "--key":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.KeyPath = v
		case "--ca":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.CAPath = v
		case "-g", "--group":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.Group = v
		case "-s":
			// autostart; handled by the caller after a successful create, since
			// starting is an operation on the registry, not a config field
		case "--test":
			// accepted and ignored: the runtime is still created and persisted
		case "--mode":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.Mode = v
		case "--udp":
			cfg.UDP = true
		case "--cache":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.CacheName = v
		case "--master-pw":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.MasterPW = v
			cfg.Mode = "master"
		case "--master-forward":
			cfg.MasterForward = true
		case "--http":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.HTTPDir = v
		case "--http-cache":
			cfg.HTTPCache = true
		case "-u":
			v, err := next()
			if err != nil {
				return err
			}
			host, port := splitHostPort(v)
			cfg.Upstreams = append(cfg.Upstreams, runtimecfg.Upstream{Host: host, Port: port})
		case "-t":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.Target = v
		case "--backend":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.Backends = append(cfg.Backends, runtimecfg.Backend{Address: v})
		case "--strategy":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.Strategy = v
		case "--protocol":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.Protocol = v
		case "--health-check":
			cfg.HealthCheck = true
		case "--health-interval":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.HealthInterval = v
		case "--health-path":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.HealthPath = v
		case "--health-threshold":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.HealthThreshold = v
		case "--circuit-threshold":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.CircuitThreshold = v
		case "--circuit-timeout":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.CircuitTimeout = v
		case "--retry":
			v, err := nextInt()
			if err != nil {
				return err
			}
			cfg.RetryCount = v
		case "--retry-all":
			cfg.RetryAll = true
		case "--client-ca":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.CAPath = v
		case "--client-cert":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.CertPath = v
		case "--client-key":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.KeyPath = v
		case "--sidecar":
			cfg.ExternalRuntime = true
			cfg.Managed = true
			v, err := next()
			if err != nil {
				return err
			}
			cfg.ExecPath = v
		case "--persistent":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.PersistentPath = v
		case "--maxmemory":
			v, err := next()
			if err != nil {
				return err
			}
			n, err := parseMemorySize(v)
			if err != nil {
				return err
			}
			cfg.MaxMemory = n
		case "--eviction":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.Eviction = v
		case "--resp":
			cfg.RESPForced = true
		case "--replicate":
			v, err := next()
			if err != nil {
				return err
			}
			cfg.ReplicateTarget = v
		default:
			return fmt.Errorf("unknown flag: %s", a)
		}
	}
	return nil
}

// reboundFields lists the tunables that require a listener re-bind and
// are therefore rejected while the runtime is running (§4.10 "edit").
var reboundFields = map[string]bool{
	"-p": true, "--tls": true, "--udp": true, "-t": true, "--protocol": true,
}

// applyEditFlags parses `edit <name> [flags...]`, reusing the create
// parser, but rejects any rebind-requiring flag while running (§4.10).
func applyEditFlags(cfg *runtimecfg.Config, args []string, running bool) error {
	if running {
		for _, a := range args {
			if reboundFields[a] {
				return fmt.Errorf("%s cannot change while running", a)
			}
		}
	}
	return applyCreateFlags(cfg, args)
}

func splitHostPort(hostport string) (string, int) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, 0
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return hostport, 0
	}
	return hostport[:idx], port
}

// parseMemorySize accepts a trailing K/M/G suffix (§4.10 "--maxmemory
// <n[K|M|G]>").
func parseMemorySize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("--maxmemory requires a value")
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid --maxmemory value: %s", s)
	}
	return n * mult, nil
}
