package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Ping checks that the cache accepts writes in the session log namespace; a
// read-only replica fails it.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := logKey("health:" + uuid.NewString())
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, "ok", r.timeout)
	pipe.Del(ctx, key)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "redis ping")
}
