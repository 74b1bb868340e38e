package task

import "context"

// Observer is told about every persisted status or phase change. Observers
// are best-effort: they must not block for long and cannot veto a change.
type Observer interface {
	Observe(ctx context.Context, rec *Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec *Record)

func (f ObserverFunc) Observe(ctx context.Context, rec *Record) { f(ctx, rec) }

// Notify fans rec out to observers.
func Notify(ctx context.Context, observers []Observer, rec *Record) {
	for _, o := range observers {
		if o != nil {
			o.Observe(ctx, rec)
		}
	}
}
