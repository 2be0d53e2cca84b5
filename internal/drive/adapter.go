package drive

import (
	"context"
	"time"
)

// Adapter is the capability set every provider implements. One instance is
// bound to one credential. Every method returns either a payload or a
// *Error; expected provider failures never panic.
type Adapter interface {
	Provider() ProviderID

	// Initialize validates the credential (probe or refresh) and reports
	// the account behind it. It is safe to call repeatedly; a successful
	// session is reused.
	Initialize(ctx context.Context) (AccountInfo, error)

	ShareToken(ctx context.Context, shareID, passcode string) (ShareToken, error)
	ListShareChildren(ctx context.Context, shareID string, token ShareToken, containerID string) ([]Node, error)
	ListChildren(ctx context.Context, containerID string) ([]Node, error)

	TransferShared(ctx context.Context, req TransferRequest) (TransferResult, error)
	PollTransfer(ctx context.Context, taskID string) (TaskStatus, error)

	// MakeContainer creates every missing segment of path and returns the
	// final container. An existing container is returned as-is.
	MakeContainer(ctx context.Context, path string) (Node, error)
	Rename(ctx context.Context, id, newName string) error
	Delete(ctx context.Context, ids []string) error

	// ResolvePaths maps slash paths to identifiers. Missing paths come back
	// with an empty ID rather than an error.
	ResolvePaths(ctx context.Context, paths []string) ([]PathID, error)

	ParseShareURL(rawURL string) (ShareRef, error)
}

// ShareBreadcrumber is implemented by adapters whose provider returns the
// full path of a shared container directly. Others are searched with a
// Resolver.
type ShareBreadcrumber interface {
	ShareBreadcrumb(ctx context.Context, shareID string, token ShareToken, containerID string) (Breadcrumb, error)
}

// CredentialUpdater is implemented by adapters that can adopt a changed
// secret without being rebuilt, keeping their session. It reports whether
// the secret was taken; a stale one is refused.
type CredentialUpdater interface {
	UpdateCredential(secret string, updatedAt time.Time) bool
}

// SessionResetter is implemented by adapters whose session remembers a
// rejected credential. ResetSession clears that failure so the next call
// validates again, and reports whether there was one.
type SessionResetter interface {
	ResetSession() bool
}

// RotationSink receives rotated credentials. It is implemented by the
// configuration layer, which must ignore rotations older than what it has
// already stored.
type RotationSink interface {
	CredentialRotated(ctx context.Context, rot Rotation) error
}

// RotationSinkFunc adapts a function to RotationSink.
type RotationSinkFunc func(ctx context.Context, rot Rotation) error

// CredentialRotated calls f.
func (f RotationSinkFunc) CredentialRotated(ctx context.Context, rot Rotation) error {
	return f(ctx, rot)
}
