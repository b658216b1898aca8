package firewall

import "context"

// ResultObserver receives the outcome of every Apply call.
type ResultObserver interface {
	FirewallResult(backend string, action string, ok bool)
}

type observed struct {
	Backend
	observer ResultObserver
}

// Observe wraps b so every Apply outcome is reported to o.
func Observe(b Backend, o ResultObserver) Backend {
	if o == nil {
		return b
	}
	return &observed{Backend: b, observer: o}
}

func (o *observed) Apply(ctx context.Context, id string, action Action) bool {
	ok := o.Backend.Apply(ctx, id, action)
	o.observer.FirewallResult(o.Backend.Name(), action.String(), ok)
	return ok
}
