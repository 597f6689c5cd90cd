package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/TobiSchelling/KBCurator/internal/objectstore"
)

// SyncResult reports the outcome of a startup synchronization pass.
type SyncResult struct {
	Uploaded []string
	Dropped  []string
}

// Sync uploads every staged write whose base version still matches the remote
// document, and drops staged writes the remote has moved past.
func (s *Store) Sync(ctx context.Context) (*SyncResult, error) {
	r := &SyncResult{}
	if s.stage == nil {
		return r, nil
	}
	pending, err := s.stage.List(ctx)
	if err != nil {
		return r, err
	}

	for _, p := range pending {
		_, etag, err := s.remoteGet(ctx, p.Key)
		if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return r, fmt.Errorf("syncing %s: %w", p.Key, err)
		}

		if etag != p.BaseVersion {
			s.log.Warn("staged write is older than remote, dropping", "key", p.Key, "base", p.BaseVersion, "remote", etag)
			s.dropStaged(ctx, p.Key, "remote moved past staged base")
			r.Dropped = append(r.Dropped, p.Key)
			continue
		}

		_, err = s.remotePut(ctx, p.Key, p.Data, p.BaseVersion)
		switch {
		case err == nil:
		case errors.Is(err, objectstore.ErrPreconditionFailed):
			s.dropStaged(ctx, p.Key, "remote changed during sync")
			r.Dropped = append(r.Dropped, p.Key)
			continue
		default:
			return r, fmt.Errorf("syncing %s: %w", p.Key, err)
		}

		if err := s.stage.Remove(ctx, p.Key); err != nil {
			return r, fmt.Errorf("clearing staged %s: %w", p.Key, err)
		}
		if err := s.stage.LogSync(ctx, p.Key, "uploaded", "", s.opts.Now()); err != nil {
			s.log.Warn("writing sync log", "key", p.Key, "error", err)
		}
		s.log.Info("uploaded staged write", "key", p.Key, "seq", p.LocalSeq)
		r.Uploaded = append(r.Uploaded, p.Key)
	}
	return r, nil
}
