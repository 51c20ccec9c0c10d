package app

import (
	"context"
	"errors"
	"fmt"

	"flownote/pkg/queue"
	"flownote/pkg/storage"
)

// HandleJob processes background jobs for the messaging service. Only blob
// cleanup is known; other kinds fail so they surface in job status.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindBlobCleanup:
		var payload queue.BlobCleanup
		if err := job.Decode(&payload); err != nil {
			return fmt.Errorf("decode cleanup payload: %w", err)
		}
		return a.deleteBlobs(ctx, payload.Keys)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (a *App) deleteBlobs(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := storage.ValidateKey(key); err != nil {
			a.logger.Warn("blob_cleanup_skip_invalid_key", "key", key)
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		a.logger.Debug("blob_deleted", "key", key)
	}
	return errors.Join(errs...)
}
