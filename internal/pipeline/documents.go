package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/KBCurator/internal/docstore"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// documents is one consistent-enough read of every document. Each is loaded
// independently; there is no cross-document snapshot.
type documents struct {
	Topics    *state.Topics
	Archive   *state.Archive
	Metrics   *state.Metrics
	Cache     *state.Cache
	Pipeline  *state.PipelineState
	Discarded *state.Discarded
	Errors    *state.Errors
	Sources   *state.RssSources
	Versions  map[string]docstore.Version
}

type versionSet struct {
	mu sync.Mutex
	m  map[string]docstore.Version
}

func (vs *versionSet) set(key string, v docstore.Version) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.m[key] = v
}

func loadInto[T any](ctx context.Context, g *errgroup.Group, s *docstore.Store, key string, dst **T, vs *versionSet) {
	g.Go(func() error {
		doc, v, err := docstore.Get[T](ctx, s, key)
		if err != nil {
			return fmt.Errorf("loading %s: %w", key, err)
		}
		*dst = doc
		vs.set(key, v)
		return nil
	})
}

// loadAll reads every document concurrently.
func (p *Pipeline) loadAll(ctx context.Context) (*documents, error) {
	d := &documents{}
	vs := &versionSet{m: make(map[string]docstore.Version, len(state.AllKeys))}

	g, gctx := errgroup.WithContext(ctx)
	loadInto(gctx, g, p.store, state.KeyTopics, &d.Topics, vs)
	loadInto(gctx, g, p.store, state.KeyArchive, &d.Archive, vs)
	loadInto(gctx, g, p.store, state.KeyMetrics, &d.Metrics, vs)
	loadInto(gctx, g, p.store, state.KeyCache, &d.Cache, vs)
	loadInto(gctx, g, p.store, state.KeyPipeline, &d.Pipeline, vs)
	loadInto(gctx, g, p.store, state.KeyDiscarded, &d.Discarded, vs)
	loadInto(gctx, g, p.store, state.KeyErrors, &d.Errors, vs)
	loadInto(gctx, g, p.store, state.KeyRssSources, &d.Sources, vs)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.Versions = vs.m
	return d, nil
}
