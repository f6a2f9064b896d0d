package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/latacunga/incident-bus/internal/config"
	"github.com/latacunga/incident-bus/internal/db"
	"github.com/spf13/cobra"
)

var withClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		sqlBytes, err := readMigration("001_init.sql")
		if err != nil {
			return err
		}

		if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return fmt.Errorf("disable fk checks: %w", err)
		}
		if _, err := sqlDB.Exec(string(sqlBytes)); err != nil {
			_, _ = sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1")
			return fmt.Errorf("exec migration: %w", err)
		}
		if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1"); err != nil {
			return fmt.Errorf("enable fk checks: %w", err)
		}
		fmt.Println(">> MySQL migration complete")

		if !withClickHouse {
			return nil
		}

		chDB, err := db.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		chBytes, err := readMigration(filepath.Join("clickhouse", "001_outbox_archive.sql"))
		if err != nil {
			return err
		}
		// clickhouse-go runs one statement per Exec
		for _, stmt := range strings.Split(string(chBytes), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := chDB.Exec(stmt); err != nil {
				return fmt.Errorf("exec clickhouse migration: %w", err)
			}
		}
		fmt.Println(">> ClickHouse migration complete")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&withClickHouse, "clickhouse", false, "also create the ClickHouse outbox archive")
}

func readMigration(name string) ([]byte, error) {
	sqlPath := filepath.Join("migrations", name)
	b, err := os.ReadFile(sqlPath)
	if err != nil {
		return nil, fmt.Errorf("read migration file %s: %w", sqlPath, err)
	}
	return b, nil
}
