package metrics

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordPgxPool updates the pool gauges from a pgx pool.
func RecordPgxPool(driver string, pool *pgxpool.Pool) {
	stats := pool.Stat()
	recordPool(driver, int(stats.AcquiredConns()), int(stats.IdleConns()), int(stats.MaxConns()))
}

// RecordSQLPool updates the pool gauges from a database/sql pool.
func RecordSQLPool(driver string, db *sql.DB) {
	stats := db.Stats()
	recordPool(driver, stats.InUse, stats.Idle, stats.MaxOpenConnections)
}

// RecordStorePing sets StoreUp from the result of a ping.
func RecordStorePing(driver string, err error) {
	up := 1.0
	if err != nil {
		up = 0
	}
	StoreUp.WithLabelValues(driver).Set(up)
}

func recordPool(driver string, inUse, idle, maxConns int) {
	StorePoolConnections.WithLabelValues(driver, "in_use").Set(float64(inUse))
	StorePoolConnections.WithLabelValues(driver, "idle").Set(float64(idle))
	StorePoolConnections.WithLabelValues(driver, "max").Set(float64(maxConns))
}
