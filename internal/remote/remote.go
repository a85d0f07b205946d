// Package remote describes the realtime key-path store the collaboration
// engine runs on, and provides the in-memory implementation.
//
// Paths are slash separated. Presence lives at <namespace>/presence/<userId>
// and locks at <namespace>/locks/<cellId>. Subscribing to a collection path
// delivers a JSON object assembled from its children.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrClosed      = errors.New("remote connection closed")
)

// Unsubscribe stops a subscription. It does not wait for an in-flight
// callback and is safe to call more than once.
type Unsubscribe func()

type Store interface {
	// Subscribe delivers the full current value at path once, then again on
	// every change. A nil value means nothing is stored at path.
	Subscribe(ctx context.Context, path string, onChange func(json.RawMessage)) (Unsubscribe, error)
	// Write stores value at path; a nil or null value removes it.
	Write(ctx context.Context, path string, value json.RawMessage) error
	// RegisterDisconnectCleanup arranges for value to be written at path when
	// this connection goes away, cleanly or not.
	RegisterDisconnectCleanup(ctx context.Context, path string, value json.RawMessage) error
	CancelDisconnectCleanup(ctx context.Context, path string) error
}

// Conn is one client's connection to the store. Close runs the registered
// disconnect cleanups.
type Conn interface {
	Store
	ID() string
	Close(ctx context.Context) error
}

type Backend interface {
	Connect(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Close() error
}

func PresencePath(namespace string) string { return Join(namespace, "presence") }

func PresenceUserPath(namespace, userID string) string {
	return Join(namespace, "presence", userID)
}

func LocksPath(namespace string) string { return Join(namespace, "locks") }

func LockPath(namespace, cellID string) string { return Join(namespace, "locks", cellID) }

func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns everything before the last segment, or "" for a single
// segment path.
func Parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func Base(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// ValidateSegment rejects names that cannot be used as one path segment.
func ValidateSegment(segment string) error {
	if strings.TrimSpace(segment) == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if strings.Contains(segment, "/") {
		return fmt.Errorf("%w: %q contains '/'", ErrInvalidPath, segment)
	}
	return nil
}

// ValidatePath checks every segment of path.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, "/") {
		if err := ValidateSegment(segment); err != nil {
			return err
		}
	}
	return nil
}

// IsNull reports whether value represents absence.
func IsNull(value json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(value))
	return trimmed == "" || trimmed == "null"
}
