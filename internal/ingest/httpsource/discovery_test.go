package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/ingest"
	"github.com/bissquit/ingest-scheduler/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscovery_ListNewWork(t *testing.T) {
	collab := testutil.NewCollaborators()
	t.Cleanup(collab.Server.Close)

	d, err := NewDiscovery(Config{URL: collab.DiscoverURL()})
	require.NoError(t, err)

	candidates, err := d.ListNewWork(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, candidates)

	collab.SetCandidates("v1", "v2")
	candidates, err = d.ListNewWork(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []ingest.Candidate{
		{WorkID: "v1", GroupID: "monitored"},
		{WorkID: "v2", GroupID: "monitored"},
	}, candidates)
}

func TestDiscovery_SinceParameter(t *testing.T) {
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	d, err := NewDiscovery(Config{URL: srv.URL + "/list?channel=news"})
	require.NoError(t, err)

	since := time.Date(2024, 3, 10, 12, 30, 0, 0, time.FixedZone("X", 3*3600))
	_, err = d.ListNewWork(context.Background(), since)
	require.NoError(t, err)

	q := <-queries
	assert.Equal(t, "2024-03-10T09:30:00Z", q.Get("since"))
	assert.Equal(t, "news", q.Get("channel"), "existing query parameters are kept")
}

func TestDiscovery_Errors(t *testing.T) {
	serve := func(status int, body string) *Discovery {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)

		d, err := NewDiscovery(Config{URL: srv.URL})
		require.NoError(t, err)
		return d
	}

	_, err := serve(http.StatusBadGateway, "upstream down").ListNewWork(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")

	_, err = serve(http.StatusOK, `{"not":"a list"}`).ListNewWork(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
