package consensus

import (
	"sort"
	"strings"
	"time"

	"github.com/marko911/pulse-ledger/internal/fanout"
)

// Fingerprint is the comparable projection of a node response. Only Hash takes
// part in agreement; Time and Parent ride along from the reference response.
type Fingerprint struct {
	Hash   string
	Time   time.Time
	Parent string
}

// Strategy fingerprints one decoded response.
type Strategy[T any] func(T) (Fingerprint, error)

// FieldHash uses a single identifying field of the response.
func FieldHash[T any](field func(T) string) Strategy[T] {
	return func(payload T) (Fingerprint, error) {
		return Fingerprint{Hash: field(payload)}, nil
	}
}

// PairedHashTime uses the response's hash field and derives the block time
// from the same response.
func PairedHashTime[T any](hash func(T) string, at func(T) time.Time) Strategy[T] {
	return func(payload T) (Fingerprint, error) {
		return Fingerprint{Hash: hash(payload), Time: at(payload)}, nil
	}
}

// Composite fingerprints a response assembled from sub-units. Absent units are
// dropped, the rest are sorted by numeric key and their hashes concatenated,
// so the result does not depend on arrival order.
func Composite[T any](hash func(T) string) Strategy[[]fanout.Unit[T]] {
	return func(units []fanout.Unit[T]) (Fingerprint, error) {
		found := make([]fanout.Unit[T], 0, len(units))
		for _, u := range units {
			if u.Status == fanout.StatusSuccess {
				found = append(found, u)
			}
		}
		sort.Slice(found, func(i, j int) bool { return found[i].Key < found[j].Key })

		var b strings.Builder
		for _, u := range found {
			b.WriteString(hash(u.Payload))
		}
		return Fingerprint{Hash: b.String()}, nil
	}
}
