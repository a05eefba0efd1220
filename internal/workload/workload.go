// Package workload is the startup path of a deployed process: it resolves
// secrets, expands layered configuration and validates the listen address,
// all before any socket is opened.
package workload

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"

	"github.com/roach88/stevedore/internal/config"
	"github.com/roach88/stevedore/internal/secrets"
)

// DefaultListenKey is the config path of the listen address.
const DefaultListenKey = "backend.listen"

// Startup phases reported by StartupError.
const (
	PhaseConfig  = "config"
	PhaseSecrets = "secrets"
	PhaseListen  = "listen"
)

// StartupError is a failure before the workload began serving.
type StartupError struct {
	Phase string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup aborted (%s): %v", e.Phase, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// IsStartupError reports whether err is a *StartupError.
func IsStartupError(err error) bool {
	var e *StartupError
	return errors.As(err, &e)
}

// Options describe a workload's startup inputs.
type Options struct {
	Layers []config.Layer
	// Sources are consulted in order for secrets and placeholders.
	Sources []secrets.Source
	// Required names must resolve even when no placeholder references them.
	Required []string
	Numeric  []string
	// ListenKey is the config path holding "host:port" or {host, port}.
	// Empty means DefaultListenKey.
	ListenKey string
	// Schema, when set, is a CUE schema the final config must satisfy.
	Schema []byte
	Logger *slog.Logger
}

// Prepared is a workload that passed every startup check.
type Prepared struct {
	Config  *config.Config
	Secrets secrets.SecretSet
	Addr    string
}

// Prepare runs the startup checks. It never opens a listener, so a failed
// Prepare leaves nothing bound.
func Prepare(opts Options) (*Prepared, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := config.Load(opts.Layers...)
	if err != nil {
		return nil, &StartupError{Phase: PhaseConfig, Err: err}
	}

	required := append(tmpl.RequiredNames(), opts.Required...)
	slices.Sort(required)
	required = slices.Compact(required)

	provider := &secrets.Provider{Sources: opts.Sources, Numeric: opts.Numeric}
	set, err := provider.Resolve(required)
	if err != nil {
		return nil, &StartupError{Phase: PhaseSecrets, Err: err}
	}

	cfg, err := tmpl.Interpolate(provider.Lookup)
	if err != nil {
		return nil, &StartupError{Phase: PhaseConfig, Err: err}
	}
	if len(opts.Schema) > 0 {
		if err := config.ValidateSchema(cfg, opts.Schema); err != nil {
			return nil, &StartupError{Phase: PhaseConfig, Err: err}
		}
	}

	key := opts.ListenKey
	if key == "" {
		key = DefaultListenKey
	}
	addr, err := listenAddr(cfg, key)
	if err != nil {
		return nil, &StartupError{Phase: PhaseListen, Err: err}
	}

	logger.Debug("workload prepared", "addr", addr, "secrets", set.Len(), "layers", len(opts.Layers))
	return &Prepared{Config: cfg, Secrets: set, Addr: addr}, nil
}

func listenAddr(cfg *config.Config, key string) (string, error) {
	v, ok := cfg.Get(key)
	if !ok {
		return "", fmt.Errorf("%s: %w", key, config.ErrNoValue)
	}

	var (
		host string
		port int
	)
	switch x := v.(type) {
	case string:
		h, p, err := net.SplitHostPort(x)
		if err != nil {
			return "", fmt.Errorf("%s: %w", key, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", &config.TypeError{Path: key + ".port", Want: "integer", Value: p}
		}
		host, port = h, n
	case map[string]any:
		n, err := cfg.Int(key + ".port")
		if err != nil {
			return "", err
		}
		port = n
		if _, ok := x["host"]; ok {
			h, err := cfg.String(key + ".host")
			if err != nil {
				return "", err
			}
			host = h
		}
	default:
		return "", &config.TypeError{Path: key, Want: "host:port or {host, port}", Value: v}
	}

	if port < 0 || port >= secrets.MaxPort {
		return "", fmt.Errorf("%s: port %d out of range", key, port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
