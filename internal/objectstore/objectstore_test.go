package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestMemoryPreconditions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _, err := m.Get(ctx, "state/topics.json")
	require.ErrorIs(t, err, ErrNotFound)

	v1, err := m.Put(ctx, "state/topics.json", []byte(`{}`), "")
	require.NoError(t, err)

	_, err = m.Put(ctx, "state/topics.json", []byte(`{}`), "")
	require.ErrorIs(t, err, ErrPreconditionFailed, "create must fail when object exists")

	v2, err := m.Put(ctx, "state/topics.json", []byte(`{"a":1}`), v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	_, err = m.Put(ctx, "state/topics.json", []byte(`{"a":2}`), v1)
	require.ErrorIs(t, err, ErrPreconditionFailed, "stale etag must be rejected")

	data, etag, err := m.Get(ctx, "state/topics.json")
	require.NoError(t, err)
	assert.Equal(t, v2, etag)
	assert.JSONEq(t, `{"a":1}`, string(data))

	_, err = m.Put(ctx, "state/topics.json", []byte(`{"a":3}`), Any)
	require.NoError(t, err)
}

func TestMemoryFaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.FailPuts(1)
	_, err := m.Put(ctx, "k", []byte("x"), "")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = m.Put(ctx, "k", []byte("x"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Puts())

	m.SetUnavailable(true)
	_, _, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrUnavailable)
	m.SetUnavailable(false)

	keys, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
	require.NoError(t, m.Delete(ctx, "k"))
	require.ErrorIs(t, m.Delete(ctx, "k"), ErrNotFound)
}

func TestMemoryFailPutsToPath(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.FailPutsTo("state/topics.json", true)
	_, err := m.Put(ctx, "state/topics.json", []byte(`{}`), "")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = m.Put(ctx, "state/archived_topics.json", []byte(`{}`), "")
	require.NoError(t, err)

	m.FailPutsTo("state/topics.json", false)
	_, err = m.Put(ctx, "state/topics.json", []byte(`{}`), "")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Puts())
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(&googleapi.Error{Code: http.StatusPreconditionFailed}), ErrPreconditionFailed)
	assert.ErrorIs(t, classify(&googleapi.Error{Code: http.StatusServiceUnavailable}), ErrUnavailable)
	assert.ErrorIs(t, classify(&googleapi.Error{Code: http.StatusTooManyRequests}), ErrUnavailable)
	assert.ErrorIs(t, classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)), ErrUnavailable)

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}
