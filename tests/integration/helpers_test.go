//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/bissquit/ingest-scheduler/internal/ingest"
	"github.com/bissquit/ingest-scheduler/internal/testutil"
	"github.com/stretchr/testify/require"
)

// resetDB empties the queue and the admission tracker. Tests in this package
// share one database and must not run in parallel.
func resetDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `TRUNCATE processing_queue, rate_limit_tracking`)
	require.NoError(t, err)
}

// enqueue adds a work item through the API and returns its queue id.
func enqueue(t *testing.T, client *testutil.Client, workID string, priority int) string {
	t.Helper()

	resp, err := client.POST("/api/v1/queue/items", map[string]interface{}{
		"work_id":  workID,
		"priority": priority,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.ID)
	return result.Data.ID
}

// getItem fetches a queue item through the API.
func getItem(t *testing.T, client *testutil.Client, id string) domain.QueueItem {
	t.Helper()

	resp, err := client.GET("/api/v1/queue/items/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data domain.QueueItem `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

// getStats fetches the queue and admission snapshot.
func getStats(t *testing.T, client *testutil.Client) ingest.Stats {
	t.Helper()

	resp, err := client.GET("/api/v1/queue/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data ingest.Stats `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

// runTrigger runs a trigger by hand and returns the reported status.
func runTrigger(t *testing.T, client *testutil.Client, name string) ingest.TriggerRunResult {
	t.Helper()

	resp, err := client.POST("/api/v1/triggers/"+name+"/run", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data ingest.TriggerRunResult `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}
