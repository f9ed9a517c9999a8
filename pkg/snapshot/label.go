// Package snapshot implements the label grammar shared by dataset snapshots
// and received container snapshots: a UTC, seconds-precision timestamp with
// dashes standing in for the colons a filesystem path can't carry.
package snapshot

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the snapshot label grammar: YYYY-MM-DDThh-mm-ssZ.
const Layout = "2006-01-02T15-04-05Z"

// ReceivedSuffix disambiguates an in-flight receive rename from a completed
// container snapshot.
const ReceivedSuffix = ".bcrcv"

// Format renders t as a snapshot label, truncating to the second and
// normalizing to UTC.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(Layout)
}

// Parse parses a snapshot label, rejecting anything that doesn't match the
// grammar exactly.
func Parse(label string) (time.Time, error) {
	t, err := time.Parse(Layout, label)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot label %q: %w", label, err)
	}
	return t.UTC(), nil
}

// FormatReceived renders t as a container-side file name, with the suffix
// that marks a completed received snapshot.
func FormatReceived(t time.Time) string {
	return Format(t) + ReceivedSuffix
}

// ParseReceived parses a container-side file name, requiring the received
// suffix. ok is false if name isn't a completed received snapshot.
func ParseReceived(name string) (t time.Time, ok bool) {
	if !strings.HasSuffix(name, ReceivedSuffix) {
		return time.Time{}, false
	}
	t, err := Parse(strings.TrimSuffix(name, ReceivedSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
