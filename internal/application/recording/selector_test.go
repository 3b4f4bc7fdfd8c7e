package recording

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/reqorder/domain"
	"github.com/fllarpy/reqorder/domain/metrics"
	"github.com/fllarpy/reqorder/infrastructure/storage/inmemory"
)

func saveRule(t *testing.T, store *inmemory.Store, header, value string, enabled bool) *metrics.RecordingRule {
	rule := &metrics.RecordingRule{HTTPHeader: header, HTTPHeaderValue: value, Enabled: enabled}
	require.NoError(t, store.SaveRecording(context.Background(), rule))
	return rule
}

func TestSelector_Select(t *testing.T) {
	ctx := context.Background()

	t.Run("no enabled rules", func(t *testing.T) {
		store := inmemory.NewStore()
		saveRule(t, store, "X-Debug", "1", false)

		rule, err := NewSelector(store).Select(ctx, http.Header{"X-Debug": {"1"}})
		require.NoError(t, err)
		assert.Nil(t, rule)
	})

	t.Run("first match wins", func(t *testing.T) {
		store := inmemory.NewStore()
		first := saveRule(t, store, "X-Debug", "1", true)
		saveRule(t, store, "HTTP_X_SESSION", "abc", true)

		headers := http.Header{"X-Debug": {"1"}, "X-Session": {"abc"}}
		rule, err := NewSelector(store).Select(ctx, headers)
		require.NoError(t, err)
		require.NotNil(t, rule)
		assert.Equal(t, first.ID, rule.ID)
	})

	t.Run("value must match exactly", func(t *testing.T) {
		store := inmemory.NewStore()
		saveRule(t, store, "X-Debug", "1", true)
		second := saveRule(t, store, "x_session", "abc", true)

		headers := http.Header{"X-Debug": {"10"}, "X-Session": {"abc"}}
		rule, err := NewSelector(store).Select(ctx, headers)
		require.NoError(t, err)
		require.NotNil(t, rule)
		assert.Equal(t, second.ID, rule.ID)
	})

	t.Run("no match", func(t *testing.T) {
		store := inmemory.NewStore()
		saveRule(t, store, "X-Debug", "1", true)

		rule, err := NewSelector(store).Select(ctx, http.Header{"Accept": {"*/*"}})
		require.NoError(t, err)
		assert.Nil(t, rule)
	})

	t.Run("cookie header is never matched", func(t *testing.T) {
		store := inmemory.NewStore()
		saveRule(t, store, "Cookie", "session=1", true)

		rule, err := NewSelector(store).Select(ctx, http.Header{"Cookie": {"session=1"}})
		require.NoError(t, err)
		assert.Nil(t, rule)
	})
}

type brokenRules struct{ domain.RecordingStore }

func (brokenRules) EnabledRecordings(context.Context) ([]metrics.RecordingRule, error) {
	return nil, errors.New("timeout")
}

func TestSelector_StorageUnavailable(t *testing.T) {
	_, err := NewSelector(brokenRules{}).Select(context.Background(), http.Header{})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestCaptureHeaders(t *testing.T) {
	h := http.Header{"Cookie": {"a=b"}, "Accept": {"text/html", "application/json"}}
	got := CaptureHeaders(h)
	assert.Equal(t, map[string]string{"Accept": "text/html, application/json"}, got)
}
