// Package firewall translates block and unblock intents into commands for
// the host packet filter. Every backend reports a boolean outcome and never
// returns an error past this boundary; enforcement failures are repaired by
// the Reconciler.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Action is the enforcement intent for an identifier.
type Action int

const (
	ActionBlock Action = iota
	ActionUnblock
)

func (a Action) String() string {
	switch a {
	case ActionBlock:
		return "BLOCK"
	case ActionUnblock:
		return "UNBLOCK"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Backend kinds accepted in configuration.
const (
	KindIptables  = "iptables"
	KindFirewalld = "firewalld"
	KindUFW       = "ufw"
	KindHostFW    = "hostfw"
	KindNoop      = "noop"
)

// Kinds lists the closed set of backend kinds.
var Kinds = []string{KindIptables, KindFirewalld, KindUFW, KindHostFW, KindNoop}

// ErrUnknownBackend is returned for a backend kind outside Kinds.
var ErrUnknownBackend = errors.New("unknown firewall backend")

// Backend enforces intents against one packet-filter family.
type Backend interface {
	Name() string
	// Apply enforces action for id and reports success. It never panics and
	// never blocks longer than the backend's command timeout.
	Apply(ctx context.Context, id string, action Action) bool
	// EnableRateLimiting and EnableDDoSProtection are best effort and safe
	// to call repeatedly.
	EnableRateLimiting(ctx context.Context, threshold int)
	EnableDDoSProtection(ctx context.Context)
}

// Config selects and tunes a backend.
type Config struct {
	Kind           string
	CommandTimeout time.Duration
	// Overrides replaces the built-in command templates of the kind.
	Overrides Templates
}

// ValidKind reports whether kind names a supported backend.
func ValidKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// New builds the backend selected by config.Kind.
func New(logger *zap.Logger, runner Runner, config Config) (Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(config.Kind))
	if kind == KindNoop {
		return NewNoop(logger), nil
	}

	templates, ok := builtinTemplates[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Kind)
	}
	templates = templates.merge(config.Overrides)

	if runner == nil {
		runner = ExecRunner{}
	}
	return NewCommandBackend(logger, kind, runner, templates, config.CommandTimeout)
}
