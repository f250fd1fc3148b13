package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

// Migrate copies every live session from src to dst, skipping ids dst
// already holds. Returns the number of sessions copied. Used when moving
// between backends, e.g. memory to Redis on first deploy.
func Migrate(ctx context.Context, src, dst Store) (int, error) {
	ids, err := src.ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	copied := 0
	for _, id := range ids {
		s, err := src.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errdefs.ErrSessionNotFound) {
				continue // expired between list and get
			}
			return copied, err
		}
		if _, err := dst.Create(ctx, s); err != nil {
			if errors.Is(err, errdefs.ErrSessionAlreadyExists) {
				continue
			}
			return copied, err
		}
		copied++
	}
	log.Info().Int("copied", copied).Int("total", len(ids)).Msg("session migration complete")
	return copied, nil
}
