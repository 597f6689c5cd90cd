// Package docstore stores JSON documents under optimistic concurrency, with a
// local staging fallback for object store outages.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/objectstore"
	"github.com/TobiSchelling/KBCurator/internal/staging"
	"github.com/TobiSchelling/KBCurator/internal/telemetry"
)

// Version is the token returned by Load and required by Save. Remote versions
// are object store etags; staged versions have the form "local:<seq>@<base>".
type Version string

const localPrefix = "local:"

func localVersion(p *staging.Pending) Version {
	return Version(fmt.Sprintf("%s%d@%s", localPrefix, p.LocalSeq, p.BaseVersion))
}

// parseLocal splits a staged version into its sequence and remote base.
func parseLocal(v Version) (seq int64, base string, ok bool) {
	rest, found := strings.CutPrefix(string(v), localPrefix)
	if !found {
		return 0, "", false
	}
	seqStr, base, found := strings.Cut(rest, "@")
	if !found {
		return 0, "", false
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return seq, base, true
}

// Options configures a Store.
type Options struct {
	Prefix             string
	MaxRetries         int
	MaxConflictRetries int
	BaseBackoff        time.Duration
	Timeout            time.Duration
	Now                func() time.Time
	Logger             *slog.Logger
}

// Store is the single writer of document state.
type Store struct {
	obj   objectstore.Store
	stage *staging.DB
	opts  Options
	log   *slog.Logger
}

// New returns a Store over obj. stage may be nil, which disables the fallback.
func New(obj objectstore.Store, stage *staging.DB, opts Options) *Store {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.MaxConflictRetries < 1 {
		opts.MaxConflictRetries = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{obj: obj, stage: stage, opts: opts, log: log.With("component", "docstore")}
}

func (s *Store) path(key string) string {
	return path.Join(s.opts.Prefix, key+".json")
}

// Load returns the current content and version of key. A missing document
// yields nil data and an empty version.
func (s *Store) Load(ctx context.Context, key string) ([]byte, Version, error) {
	data, etag, err := s.remoteGet(ctx, key)
	switch {
	case err == nil, errors.Is(err, objectstore.ErrNotFound):
	case errors.Is(err, objectstore.ErrUnavailable):
		telemetry.StoreOps.WithLabelValues(key, "load", "unavailable").Inc()
		return s.loadStaged(ctx, key, err)
	default:
		telemetry.StoreOps.WithLabelValues(key, "load", "error").Inc()
		return nil, "", fmt.Errorf("loading %s: %w", key, err)
	}
	telemetry.StoreOps.WithLabelValues(key, "load", "ok").Inc()

	if s.stage == nil {
		return data, Version(etag), nil
	}
	pending, perr := s.stage.Get(ctx, key)
	if perr != nil {
		s.log.Warn("reading staged write", "key", key, "error", perr)
		return data, Version(etag), nil
	}
	if pending == nil {
		return data, Version(etag), nil
	}
	if pending.BaseVersion == etag {
		return pending.Data, localVersion(pending), nil
	}
	s.log.Warn("dropping stale staged write", "key", key, "base", pending.BaseVersion, "remote", etag)
	s.dropStaged(ctx, key, "remote moved past staged base")
	return data, Version(etag), nil
}

func (s *Store) loadStaged(ctx context.Context, key string, cause error) ([]byte, Version, error) {
	if s.stage == nil {
		return nil, "", fmt.Errorf("loading %s: %w: %w", key, ErrStorageUnavailable, cause)
	}
	pending, err := s.stage.Get(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("loading %s: %w: %w", key, ErrStorageUnavailable, err)
	}
	if pending == nil {
		return nil, "", fmt.Errorf("loading %s: %w: %w", key, ErrStorageUnavailable, cause)
	}
	s.log.Info("serving staged copy", "key", key, "seq", pending.LocalSeq)
	return pending.Data, localVersion(pending), nil
}

// Save writes data if the stored version still equals expected. A mismatch
// returns *ConflictError and never overwrites.
func (s *Store) Save(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	precondition := string(expected)
	localSeq, base, isLocal := parseLocal(expected)
	if isLocal {
		precondition = base
	}

	etag, err := s.remotePut(ctx, key, data, precondition)
	switch {
	case err == nil:
		if etag == precondition {
			return "", fmt.Errorf("saving %s: version %q unchanged after write: %w", key, etag, ErrInvariant)
		}
		telemetry.StoreOps.WithLabelValues(key, "save", "ok").Inc()
		if s.stage != nil {
			if err := s.stage.Remove(ctx, key); err != nil {
				s.log.Warn("clearing staged write", "key", key, "error", err)
			}
		}
		return Version(etag), nil
	case errors.Is(err, objectstore.ErrPreconditionFailed):
		telemetry.StoreConflicts.WithLabelValues(key).Inc()
		return "", &ConflictError{Key: key, Expected: expected}
	case errors.Is(err, objectstore.ErrUnavailable):
		return s.saveStaged(ctx, key, data, expected, localSeq, isLocal, err)
	default:
		telemetry.StoreOps.WithLabelValues(key, "save", "error").Inc()
		return "", fmt.Errorf("saving %s: %w", key, err)
	}
}

func (s *Store) saveStaged(ctx context.Context, key string, data []byte, expected Version, seq int64, isLocal bool, cause error) (Version, error) {
	if s.stage == nil {
		return "", fmt.Errorf("saving %s: %w: %w", key, ErrStorageUnavailable, cause)
	}
	pending, err := s.stage.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("saving %s: %w: %w", key, ErrStorageUnavailable, err)
	}

	switch {
	case pending == nil && isLocal:
		return "", &ConflictError{Key: key, Expected: expected}
	case pending != nil && (!isLocal || seq != pending.LocalSeq):
		return "", &ConflictError{Key: key, Expected: expected}
	}

	staged, err := s.stage.Stage(ctx, key, data, string(expected), s.opts.Now())
	if err != nil {
		return "", fmt.Errorf("saving %s: %w: %w", key, ErrStorageUnavailable, err)
	}
	telemetry.StagedWrites.WithLabelValues(key).Inc()
	s.log.Warn("object store unavailable, write staged locally", "key", key, "seq", staged.LocalSeq)
	return localVersion(staged), nil
}

func (s *Store) dropStaged(ctx context.Context, key, reason string) {
	if err := s.stage.Remove(ctx, key); err != nil {
		s.log.Warn("removing staged write", "key", key, "error", err)
		return
	}
	if err := s.stage.LogSync(ctx, key, "dropped", reason, s.opts.Now()); err != nil {
		s.log.Warn("writing sync log", "key", key, "error", err)
	}
}

func (s *Store) remoteGet(ctx context.Context, key string) ([]byte, string, error) {
	var (
		data []byte
		etag string
	)
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		data, etag, err = s.obj.Get(ctx, s.path(key))
		return err
	})
	return data, etag, err
}

func (s *Store) remotePut(ctx context.Context, key string, data []byte, precondition string) (string, error) {
	var etag string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		etag, err = s.obj.Put(ctx, s.path(key), data, precondition)
		return err
	})
	return etag, err
}

// withRetry retries fn on ErrUnavailable with exponential backoff.
func (s *Store) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, s.backoff(attempt-1)); werr != nil {
				return err
			}
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.opts.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		}
		err = fn(callCtx)
		cancel()
		if err == nil || !errors.Is(err, objectstore.ErrUnavailable) {
			return err
		}
		s.log.Debug("object store call failed, retrying", "attempt", attempt+1, "error", err)
	}
	return err
}

func (s *Store) backoff(attempt int) time.Duration {
	return s.opts.BaseBackoff << attempt
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
