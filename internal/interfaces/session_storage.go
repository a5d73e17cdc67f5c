package interfaces

import "context"

// SessionStorage is the sandboxed key-value API described in spec.md §6:
// eventually consistent, may be unavailable, and surfaces opaque quota
// errors. It is a distinct contract from KeyValueStorage because callers
// (SessionStorageWrapper, C3) must tolerate it vanishing mid-session and
// fall back to an in-memory cache.
type SessionStorage interface {
	// SessionGet returns every key under prefix along with its value.
	// An unavailable backend returns a non-nil error; callers must treat
	// this as transient, never as "no keys".
	SessionGet(ctx context.Context, prefix string) (map[string]string, error)

	// SessionSet writes the given key/value pairs. Opaque quota errors are
	// possible and must be treated as transient by the caller.
	SessionSet(ctx context.Context, values map[string]string) error

	// SessionRemove deletes the given keys. Removing a key that is not
	// present is not an error.
	SessionRemove(ctx context.Context, keys []string) error
}
