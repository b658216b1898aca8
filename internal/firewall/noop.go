package firewall

import (
	"context"

	"go.uber.org/zap"
)

// Noop records intents without touching the host. It is used when the
// firewall integration is disabled.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a no-op backend.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) Name() string { return KindNoop }

func (n *Noop) Apply(_ context.Context, id string, action Action) bool {
	n.logger.Debug("Firewall disabled, intent recorded only",
		zap.String("id", id),
		zap.Stringer("action", action),
	)
	return true
}

func (n *Noop) EnableRateLimiting(context.Context, int) {}

func (n *Noop) EnableDDoSProtection(context.Context) {}
