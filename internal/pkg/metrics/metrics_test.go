package metrics

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRecordSQLPool(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(3)

	RecordSQLPool("sqlite", db)

	assert.Equal(t, 3.0, testutil.ToFloat64(StorePoolConnections.WithLabelValues("sqlite", "max")))
	assert.Equal(t, 0.0, testutil.ToFloat64(StorePoolConnections.WithLabelValues("sqlite", "in_use")))
}

func TestRecordStorePing(t *testing.T) {
	RecordStorePing("test", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(StoreUp.WithLabelValues("test")))

	RecordStorePing("test", errors.New("connection refused"))
	assert.Equal(t, 0.0, testutil.ToFloat64(StoreUp.WithLabelValues("test")))
}

func TestRecordBuildInfo(t *testing.T) {
	RecordBuildInfo("1.2.3", "abc123")
	assert.Equal(t, 1.0, testutil.ToFloat64(BuildInfo.WithLabelValues("1.2.3", "abc123")))
}
