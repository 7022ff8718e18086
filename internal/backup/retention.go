package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
)

// Prune deletes snapshots beyond maxSnapshots, newest first by taken-at time.
// It runs after a successful upload; pruning failures are reported but never
// undo the snapshot that was just taken.
func Prune(ctx context.Context, logger logr.Logger, store ObjectStore, prefix string, maxSnapshots int32) (int, error) {
	if maxSnapshots <= 0 {
		return 0, nil
	}

	objects, err := store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots for pruning: %w", err)
	}
	if int32(len(objects)) <= maxSnapshots {
		return 0, nil
	}

	sort.Slice(objects, func(i, j int) bool {
		return snapshotSortTime(objects[i]).After(snapshotSortTime(objects[j]))
	})

	victims := make([]string, 0, len(objects)-int(maxSnapshots))
	for _, obj := range objects[maxSnapshots:] {
		victims = append(victims, obj.Key)
	}

	if err := store.DeleteBatch(ctx, victims); err != nil {
		return 0, fmt.Errorf("failed to prune %d snapshots: %w", len(victims), err)
	}

	logger.Info("pruned old snapshots", "deleted", len(victims), "retained", maxSnapshots)
	return len(victims), nil
}

// snapshotSortTime orders snapshots by the timestamp encoded in their key,
// falling back to the object's modification time for keys written by other
// tooling.
func snapshotSortTime(obj ObjectInfo) time.Time {
	if taken, err := SnapshotTime(obj.Key); err == nil {
		return taken
	}
	return obj.LastModified
}
