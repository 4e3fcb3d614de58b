// Package config is the structured configuration layer a deployment uses to
// pin the façade's tuning knobs in a YAML file instead of flags. Loading
// runs a load → defaults → validate pipeline; validation accumulates every
// problem found instead of stopping at the first.
package config

import (
	"time"

	"github.com/drsoft-oss/webber/internal/retry"
	"github.com/drsoft-oss/webber/internal/werrors"
)

// Config is the root, YAML-serialisable configuration for a Webber process.
type Config struct {
	// HeaderStorePath points at the persisted proxy↔header-set mapping
	// (internal/headerstore) loaded at startup.
	HeaderStorePath string `yaml:"header_store_path"`

	Pool    PoolConfig    `yaml:"pool"`
	Session SessionConfig `yaml:"session"`
	Host    HostConfig    `yaml:"host"`
	Retries RetriesConfig `yaml:"retries"`
	API     APIConfig     `yaml:"api"`
}

// PoolConfig controls the Proxy Pool's eviction policy.
type PoolConfig struct {
	MaxBadResponses int `yaml:"max_bad_responses"`
}

// SessionConfig controls Session Manager budgets and transport behaviour.
type SessionConfig struct {
	MinBudget       int           `yaml:"min_budget"`
	MaxBudget       int           `yaml:"max_budget"`
	ClientDelay     time.Duration `yaml:"client_delay"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	FollowRedirects bool          `yaml:"follow_redirects"`
	MaxRedirects    int           `yaml:"max_redirects"`
}

// HostConfig controls the Host Coordinator's gate defaults, applied to every
// origin the façade discovers.
type HostConfig struct {
	InFlightPermits int           `yaml:"in_flight_permits"`
	MinSpacing      time.Duration `yaml:"min_spacing"`
}

// RetryBudget is one YAML retry-map entry. Status XOR Transport is set;
// Retries is non-negative, or -1 for unlimited.
type RetryBudget struct {
	Status    int    `yaml:"status,omitempty"`
	Transport string `yaml:"transport,omitempty"`
	Retries   int64  `yaml:"retries"`
}

// RetriesConfig is the façade's retry map, expressed as a list because the
// failure classes are a mix of integers and named transport kinds, which
// cannot share a YAML map key space cleanly.
type RetriesConfig struct {
	Budgets []RetryBudget `yaml:"budgets"`
}

// APIConfig controls the management API server (internal/api).
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ApplyDefaults fills zero-valued fields with the façade's production
// defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Pool.MaxBadResponses == 0 {
		cfg.Pool.MaxBadResponses = 3
	}
	if cfg.Session.MinBudget == 0 {
		cfg.Session.MinBudget = 4
	}
	if cfg.Session.MaxBudget == 0 {
		cfg.Session.MaxBudget = 21
	}
	if cfg.Session.ClientDelay == 0 {
		cfg.Session.ClientDelay = 1200 * time.Millisecond
	}
	if cfg.Session.DialTimeout == 0 {
		cfg.Session.DialTimeout = 30 * time.Second
	}
	if cfg.Session.MaxRedirects == 0 {
		cfg.Session.MaxRedirects = 10
	}
	if cfg.Host.InFlightPermits == 0 {
		cfg.Host.InFlightPermits = 20
	}
	if cfg.Host.MinSpacing == 0 {
		cfg.Host.MinSpacing = time.Second
	}
	if len(cfg.Retries.Budgets) == 0 {
		cfg.Retries.Budgets = defaultRetryBudgets()
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = "127.0.0.1:9090"
	}
}

func defaultRetryBudgets() []RetryBudget {
	return []RetryBudget{
		{Status: 403, Retries: 5},
		{Status: 429, Retries: 2},
		{Status: 503, Retries: 5},
		{Transport: "read-timeout", Retries: 1},
		{Transport: "connect-timeout", Retries: -1},
		{Transport: "connect-error", Retries: -1},
		{Transport: "proxy-connect-error", Retries: -1},
	}
}

// RetryMap converts the YAML-friendly RetriesConfig into the
// map[retry.Class]retry.Budget the Retry Engine consumes.
func (r RetriesConfig) RetryMap() (map[retry.Class]retry.Budget, error) {
	out := make(map[retry.Class]retry.Budget, len(r.Budgets))
	for _, b := range r.Budgets {
		class, err := classify(b)
		if err != nil {
			return nil, err
		}
		budget := retry.Budget(b.Retries)
		if b.Retries < 0 {
			budget = retry.Unlimited
		}
		out[class] = budget
	}
	return out, nil
}

func classify(b RetryBudget) (retry.Class, error) {
	if b.Transport == "" {
		return retry.Status(b.Status), nil
	}
	kind, ok := transportKinds[b.Transport]
	if !ok {
		return retry.Class{}, &FieldError{Field: "retries.budgets.transport", Message: "unknown transport kind " + b.Transport}
	}
	return retry.Transport(kind), nil
}

var transportKinds = map[string]werrors.TransportKind{
	"connect-timeout":     werrors.TransportConnectTimeout,
	"read-timeout":        werrors.TransportReadTimeout,
	"proxy-connect-error": werrors.TransportProxyConnectError,
	"connect-error":       werrors.TransportConnectError,
	"protocol-error":      werrors.TransportProtocolError,
}

// FieldError is a dotted field path plus a human-readable message,
// accumulated by Validate.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// ValidationError collects every FieldError found by Validate.
type ValidationError struct {
	Errors []*FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "config: " + e.Errors[0].Error()
	}
	msg := "config: multiple validation errors:"
	for _, fe := range e.Errors {
		msg += "\n  - " + fe.Error()
	}
	return msg
}

// Validate checks cfg for internal consistency, after ApplyDefaults has run.
func Validate(cfg *Config) error {
	var errs []*FieldError

	if cfg.HeaderStorePath == "" {
		errs = append(errs, &FieldError{Field: "header_store_path", Message: "is required"})
	}
	if cfg.Session.MinBudget < 1 {
		errs = append(errs, &FieldError{Field: "session.min_budget", Message: "must be >= 1"})
	}
	if cfg.Session.MaxBudget < cfg.Session.MinBudget {
		errs = append(errs, &FieldError{Field: "session.max_budget", Message: "must be >= min_budget"})
	}
	if cfg.Host.InFlightPermits < 1 {
		errs = append(errs, &FieldError{Field: "host.in_flight_permits", Message: "must be >= 1"})
	}
	if cfg.Host.MinSpacing < 0 {
		errs = append(errs, &FieldError{Field: "host.min_spacing", Message: "must be >= 0"})
	}
	if cfg.Pool.MaxBadResponses < 0 {
		errs = append(errs, &FieldError{Field: "pool.max_bad_responses", Message: "must be >= 0"})
	}
	for _, b := range cfg.Retries.Budgets {
		if _, err := classify(b); err != nil {
			errs = append(errs, &FieldError{Field: "retries.budgets", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}
