package database

import (
	"context"
	"database/sql"
	"time"
)

const healthPingTimeout = 2 * time.Second

// PoolHealth reports reachability and connection pool pressure for the
// session store.
type PoolHealth struct {
	Status    string `json:"status"`
	PingMS    int64  `json:"ping_ms"`
	Open      int    `json:"open_connections"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	WaitCount int64  `json:"wait_count"`
	WaitMS    int64  `json:"wait_ms"`
	MaxOpen   int    `json:"max_open_conns"`
}

// Health pings the database and snapshots its pool counters. The ping is
// bounded by healthPingTimeout independent of the caller's deadline.
func Health(ctx context.Context, db *sql.DB) (*PoolHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &PoolHealth{
			Status: "unhealthy",
			PingMS: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &PoolHealth{
		Status:    "healthy",
		PingMS:    time.Since(start).Milliseconds(),
		Open:      stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		WaitCount: stats.WaitCount,
		WaitMS:    stats.WaitDuration.Milliseconds(),
		MaxOpen:   stats.MaxOpenConnections,
	}, nil
}
