package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// SnapshotExtension is the object key suffix for uploaded snapshots.
const SnapshotExtension = ".snap"

const snapshotSuffixLength = 8

// SnapshotKey builds the object key for a snapshot taken at the given time:
// <namespace>/<cluster>/<timestamp>-<suffix>.snap. The timestamp is RFC3339
// UTC with colons replaced by dashes; the random suffix prevents collisions
// between concurrent operators.
func SnapshotKey(namespace, cluster string, taken time.Time) (string, error) {
	suffix := make([]byte, snapshotSuffixLength/2)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate snapshot key suffix: %w", err)
	}

	ts := strings.ReplaceAll(taken.UTC().Format(time.RFC3339), ":", "-")
	return path.Join(namespace, cluster, fmt.Sprintf("%s-%s%s", ts, hex.EncodeToString(suffix), SnapshotExtension)), nil
}

// SnapshotPrefix is the object prefix under which one cluster's snapshots live.
func SnapshotPrefix(namespace, cluster string) string {
	return path.Join(namespace, cluster) + "/"
}

// SnapshotTime extracts the taken-at timestamp from a snapshot object key.
func SnapshotTime(key string) (time.Time, error) {
	base := path.Base(key)
	if !strings.HasSuffix(base, SnapshotExtension) {
		return time.Time{}, fmt.Errorf("not a snapshot key: %s", key)
	}
	base = strings.TrimSuffix(base, SnapshotExtension)

	lastDash := strings.LastIndex(base, "-")
	if lastDash == -1 || len(base)-lastDash-1 != snapshotSuffixLength {
		return time.Time{}, fmt.Errorf("malformed snapshot key: %s", key)
	}
	ts := base[:lastDash]

	// Restore colons in the time-of-day portion only.
	tIdx := strings.Index(ts, "T")
	if tIdx == -1 {
		return time.Time{}, fmt.Errorf("malformed snapshot timestamp in key: %s", key)
	}
	ts = ts[:tIdx] + strings.ReplaceAll(ts[tIdx:], "-", ":")

	taken, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse snapshot timestamp from key %s: %w", key, err)
	}
	return taken, nil
}
