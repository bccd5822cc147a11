package modrt

import "context"

type syncNotifyKey struct{}

// WithSynchronousNotification asks NotifyObservers to deliver inline on the
// caller's goroutine instead of spawning one per observer.
func WithSynchronousNotification(ctx context.Context) context.Context {
	return context.WithValue(ctx, syncNotifyKey{}, true)
}

// IsSynchronousNotification reports whether ctx requests inline delivery.
func IsSynchronousNotification(ctx context.Context) bool {
	v, _ := ctx.Value(syncNotifyKey{}).(bool)
	return v
}
