// Package statusstore keeps the latest generation status of each report so
// it can be polled after the generating request has gone away.
package statusstore

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"trafficdash/api/internal/export"
)

// ErrNotFound is returned when no status is stored for a report id.
var ErrNotFound = errors.New("report status not found")

// Store persists report statuses.
type Store interface {
	Save(ctx context.Context, status export.GenerationStatus) error
	Get(ctx context.Context, id string) (export.GenerationStatus, error)
}

// Watcher streams the status updates of one report. The channel closes
// after a terminal status or when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, id string) (<-chan export.GenerationStatus, error)
}

var (
	_ Watcher = (*RedisStore)(nil)
	_ Watcher = (*MemoryStore)(nil)
)

// Observer adapts a Store to an export.Observer. Each update is saved with
// a short timeout; failures are logged and otherwise ignored.
func Observer(store Store, logger logrus.FieldLogger) export.Observer {
	return func(status export.GenerationStatus) {
		if status.ID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Save(ctx, status); err != nil && logger != nil {
			logger.WithError(err).WithField("report_id", status.ID).Warn("save report status")
		}
	}
}
