package permissions

import (
	"context"

	"permstate/internal/models"
)

// Platform is the host permission capability observed by the cache
type Platform interface {
	// Supported reports whether the permission API exists in this environment
	Supported() bool
	// Query performs the one-shot status lookup for a descriptor
	Query(ctx context.Context, desc models.Descriptor) (StatusHandle, error)
}

// StatusHandle is the object a resolved query hands back. It exposes the
// current state and a change notifier.
//
// Implementations must not hold internal locks while invoking listeners, and
// the returned remove func must be safe to call from any goroutine.
type StatusHandle interface {
	State() models.PermissionState
	AddChangeListener(fn func(models.PermissionState)) (remove func())
}
