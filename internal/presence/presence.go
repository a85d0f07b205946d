// Package presence holds the presence data model shared by the collaboration
// engine: records, snapshots, derived events and the diff that produces them.
package presence

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

type UpdateType string

const (
	UpdateJoin        UpdateType = "join"
	UpdateHeartbeat   UpdateType = "heartbeat"
	UpdateStateChange UpdateType = "state_change"
)

// Record is one user's presence in one namespace.
type Record struct {
	Name       string     `json:"name"`
	PhotoURL   string     `json:"photoUrl"`
	LastActive int64      `json:"lastActive"`
	ActiveCell string     `json:"activeCell,omitempty"`
	UpdateType UpdateType `json:"updateType,omitempty"`
}

// Equal compares records field by field. Two records decoded from JSON with
// different key order are equal.
func (r Record) Equal(other Record) bool {
	return r == other
}

// LastActiveTime converts the millisecond timestamp.
func (r Record) LastActiveTime() time.Time {
	return time.UnixMilli(r.LastActive)
}

// Snapshot is the complete set of present users for a namespace, keyed by
// user key. A missing key means the user is not present.
type Snapshot map[string]Record

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for key, record := range s {
		out[key] = record
	}
	return out
}

// Keys returns the user keys in ascending order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DecodeSnapshot parses the value delivered for a presence collection path.
// A null or empty value is an empty snapshot. Entries that cannot be decoded
// are left out of the result and reported in the returned error, so callers
// can keep working with the readable part.
func DecodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	snapshot := Snapshot{}
	if len(raw) == 0 || string(raw) == "null" {
		return snapshot, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return snapshot, fmt.Errorf("decode presence snapshot: %w", err)
	}

	var errs []error
	for key, value := range entries {
		var record Record
		if err := json.Unmarshal(value, &record); err != nil {
			errs = append(errs, fmt.Errorf("decode presence %q: %w", key, err))
			continue
		}
		snapshot[key] = record
	}
	return snapshot, errors.Join(errs...)
}

// UserKey derives the stable presence key for an authenticated subject.
// The same subject always maps to the same key, so a reconnecting client
// overwrites its previous record instead of adding a second one.
func UserKey(subject string) string {
	sum := blake2b.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:16])
}
