package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TobiSchelling/KBCurator/internal/state"
)

// Get loads and decodes key. A missing document decodes to the zero value.
func Get[T any](ctx context.Context, s *Store, key string) (*T, Version, error) {
	data, v, err := s.Load(ctx, key)
	if err != nil {
		return nil, "", err
	}
	doc := new(T)
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, "", fmt.Errorf("decoding %s: %w", key, err)
		}
	}
	if n, ok := any(doc).(state.Normalizer); ok {
		n.Normalize()
	}
	return doc, v, nil
}

// Put encodes doc and saves it against expected.
func Put[T any](ctx context.Context, s *Store, key string, doc *T, expected Version) (Version, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Save(ctx, key, data, expected)
}

// Update applies mutate to a fresh copy of key and saves it, reloading and
// reapplying on conflict up to the configured number of retries. A mutate
// returning ErrSkip ends the update without saving.
func Update[T any](ctx context.Context, s *Store, key string, mutate func(*T) error) (*T, Version, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, s.backoff(attempt-1)); err != nil {
				return nil, "", fmt.Errorf("updating %s: %w", key, err)
			}
		}

		doc, v, err := Get[T](ctx, s, key)
		if err != nil {
			return nil, "", err
		}
		if err := mutate(doc); err != nil {
			if errors.Is(err, ErrSkip) {
				return doc, v, nil
			}
			return nil, "", err
		}

		nv, err := Put(ctx, s, key, doc, v)
		if err == nil {
			return doc, nv, nil
		}
		if !IsConflict(err) {
			return nil, "", err
		}
		lastErr = err
		s.log.Debug("conflict on save, reloading", "key", key, "attempt", attempt+1)
	}
	return nil, "", fmt.Errorf("updating %s: %w: %w", key, ErrConflictExhausted, lastErr)
}
