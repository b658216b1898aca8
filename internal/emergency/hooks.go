package emergency

import "context"

// Hooks are the integration points with systems outside the engine. Every
// method must be safe to call when nothing is integrated; NopHooks is the
// baseline.
type Hooks interface {
	EnableContentFiltering(ctx context.Context) error
	ResetPasswords(ctx context.Context) error
	RevokeSessions(ctx context.Context) error
	QuarantineFiles(ctx context.Context) error
	IsolateNetwork(ctx context.Context) error

	// Capture hooks return an opaque artifact identifier.
	CaptureMemoryDump(ctx context.Context, incidentID string) (string, error)
	CaptureNetworkTraffic(ctx context.Context, incidentID string) (string, error)
	SnapshotLogs(ctx context.Context, incidentID string) (string, error)

	RestoreServices(ctx context.Context) error
	RestoreConnections(ctx context.Context) error
}

// NopHooks does nothing and succeeds. Capture hooks return a placeholder
// artifact so the audit log still names the step.
type NopHooks struct{}

func (NopHooks) EnableContentFiltering(context.Context) error { return nil }
func (NopHooks) ResetPasswords(context.Context) error         { return nil }
func (NopHooks) RevokeSessions(context.Context) error         { return nil }
func (NopHooks) QuarantineFiles(context.Context) error        { return nil }
func (NopHooks) IsolateNetwork(context.Context) error         { return nil }
func (NopHooks) RestoreServices(context.Context) error        { return nil }
func (NopHooks) RestoreConnections(context.Context) error     { return nil }

func (NopHooks) CaptureMemoryDump(_ context.Context, id string) (string, error) {
	return "nop://memory/" + id, nil
}

func (NopHooks) CaptureNetworkTraffic(_ context.Context, id string) (string, error) {
	return "nop://network/" + id, nil
}

func (NopHooks) SnapshotLogs(_ context.Context, id string) (string, error) {
	return "nop://logs/" + id, nil
}
