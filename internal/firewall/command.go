package firewall

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// DefaultCommandTimeout bounds each firewall command.
const DefaultCommandTimeout = 10 * time.Second

// CommandBackend enforces intents by running templated commands and judging
// the outcome solely by exit status.
type CommandBackend struct {
	logger    *zap.Logger
	name      string
	runner    Runner
	templates Templates
	timeout   time.Duration
}

// NewCommandBackend validates the templates and builds a backend.
func NewCommandBackend(logger *zap.Logger, name string, runner Runner, templates Templates, timeout time.Duration) (*CommandBackend, error) {
	if templates.Block == "" || templates.Unblock == "" {
		return nil, fmt.Errorf("firewall backend %s: block and unblock commands are required", name)
	}
	for _, tpl := range append([]string{templates.Check, templates.Block, templates.Unblock}, append(templates.RateLimit, templates.DDoS...)...) {
		if tpl == "" {
			continue
		}
		if _, err := shlex.Split(tpl); err != nil {
			return nil, fmt.Errorf("firewall backend %s: invalid command %q: %w", name, tpl, err)
		}
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	return &CommandBackend{
		logger:    logger.With(zap.String("backend", name)),
		name:      name,
		runner:    runner,
		templates: templates,
		timeout:   timeout,
	}, nil
}

// Name implements Backend.
func (b *CommandBackend) Name() string { return b.name }

// Apply implements Backend.
func (b *CommandBackend) Apply(ctx context.Context, id string, action Action) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Firewall apply panicked", zap.String("id", id), zap.Any("panic", r))
			ok = false
		}
	}()

	if net.ParseIP(id) == nil {
		b.logger.Warn("Refusing to enforce non-address identifier",
			zap.String("id", id),
			zap.Stringer("action", action),
		)
		return false
	}

	vars := map[string]string{
		"{id}":       id,
		"{family}":   family(id),
		"{iptables}": iptablesBinary(id),
	}

	if b.templates.Check != "" {
		present := b.run(ctx, b.templates.Check, vars, true)
		if action == ActionBlock && present {
			return true
		}
		if action == ActionUnblock && !present {
			return true
		}
	}

	tpl := b.templates.Block
	if action == ActionUnblock {
		tpl = b.templates.Unblock
	}

	ok = b.run(ctx, tpl, vars, false)
	if ok {
		b.logger.Info("Firewall rule applied", zap.String("id", id), zap.Stringer("action", action))
	}
	return ok
}

// EnableRateLimiting implements Backend.
func (b *CommandBackend) EnableRateLimiting(ctx context.Context, threshold int) {
	vars := map[string]string{"{threshold}": strconv.Itoa(threshold)}
	for _, tpl := range b.templates.RateLimit {
		b.ensure(ctx, tpl, vars)
	}
}

// EnableDDoSProtection implements Backend.
func (b *CommandBackend) EnableDDoSProtection(ctx context.Context) {
	for _, tpl := range b.templates.DDoS {
		b.ensure(ctx, tpl, nil)
	}
}

// ensure runs tpl unless it appends an iptables rule that is already in
// place, so repeated calls leave a single copy of each rule.
func (b *CommandBackend) ensure(ctx context.Context, tpl string, vars map[string]string) {
	argv, err := expand(tpl, vars)
	if err != nil || len(argv) == 0 {
		b.logger.Error("Invalid firewall command", zap.String("template", tpl), zap.Error(err))
		return
	}
	if check, ok := appendCheck(argv); ok && b.exec(ctx, check, true) {
		b.logger.Debug("Firewall rule already present", zap.Strings("argv", argv))
		return
	}
	b.exec(ctx, argv, false)
}

func (b *CommandBackend) run(ctx context.Context, tpl string, vars map[string]string, probe bool) bool {
	argv, err := expand(tpl, vars)
	if err != nil || len(argv) == 0 {
		b.logger.Error("Invalid firewall command", zap.String("template", tpl), zap.Error(err))
		return false
	}
	return b.exec(ctx, argv, probe)
}

func (b *CommandBackend) exec(ctx context.Context, argv []string, probe bool) bool {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		if !probe {
			b.logger.Warn("Firewall command failed",
				zap.Strings("argv", argv),
				zap.ByteString("output", truncate(out, 512)),
				zap.Error(err),
			)
		}
		return false
	}
	return true
}

// appendCheck turns an iptables append ("-A CHAIN rule...") into the matching
// check ("-C CHAIN rule...").
func appendCheck(argv []string) ([]string, bool) {
	switch filepath.Base(argv[0]) {
	case "iptables", "ip6tables":
	default:
		return nil, false
	}
	for i, arg := range argv[1:] {
		if arg == "-A" || arg == "--append" {
			check := append([]string(nil), argv...)
			check[i+1] = "-C"
			return check, true
		}
	}
	return nil, false
}

// expand splits tpl like a shell would and substitutes placeholders in
// each argument, so identifiers can never inject extra arguments.
func expand(tpl string, vars map[string]string) ([]string, error) {
	argv, err := shlex.Split(tpl)
	if err != nil {
		return nil, err
	}
	for i, arg := range argv {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, k, v)
		}
		argv[i] = arg
	}
	return argv, nil
}

func family(id string) string {
	if ip := net.ParseIP(id); ip != nil && ip.To4() == nil {
		return "ipv6"
	}
	return "ipv4"
}

func iptablesBinary(id string) string {
	if family(id) == "ipv6" {
		return "ip6tables"
	}
	return "iptables"
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
