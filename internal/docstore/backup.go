package docstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/objectstore"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

func (s *Store) backupPrefix() string {
	return path.Join(s.opts.Prefix, "backups") + "/"
}

// Backup copies every document to backups/<day>/ and returns the number copied.
func (s *Store) Backup(ctx context.Context, day string) (int, error) {
	n := 0
	for _, key := range state.AllKeys {
		data, _, err := s.remoteGet(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("backing up %s: %w", key, err)
		}
		dst := path.Join(s.backupPrefix(), day, key+".json")
		if _, err := s.obj.Put(ctx, dst, data, objectstore.Any); err != nil {
			return n, fmt.Errorf("writing backup %s: %w", dst, err)
		}
		n++
	}
	return n, nil
}

// PruneBackups deletes backups taken more than retentionDays before today.
func (s *Store) PruneBackups(ctx context.Context, today string, retentionDays int) (int, error) {
	prefix := s.backupPrefix()
	paths, err := s.obj.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing backups: %w", err)
	}
	cutoff := calendar.AddDays(today, -retentionDays)
	n := 0
	for _, p := range paths {
		day, _, ok := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		if !ok || day >= cutoff {
			continue
		}
		if err := s.obj.Delete(ctx, p); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return n, fmt.Errorf("deleting backup %s: %w", p, err)
		}
		n++
	}
	return n, nil
}
