package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/config"
)

// OpenClickHouse opens the outbox archive, e.g.
// clickhouse://default:@localhost:9000/incident_bus?dial_timeout=5s&compress=true
func OpenClickHouse(c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("empty ClickHouse DSN")
	}
	return open("clickhouse", c, 3*time.Second)
}
