package commands

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/usef/backend/pkg/database"
	"github.com/wonny/usef/backend/pkg/redis"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the PostgreSQL and Redis connections",
	Long: `Connects to the configured backends and prints their health.
PostgreSQL is checked when DATABASE_URL is set, Redis when REDIS_ENABLED=true.

Example:
  go run ./cmd/usef check`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	// PostgreSQL
	if cfg.Database.URL == "" {
		fmt.Fprintln(out, "- PostgreSQL: not configured")
	} else {
		db, err := database.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("postgres %s: %w", redactURL(cfg.Database.URL), err)
		}
		defer db.Close()

		status, err := db.HealthCheck(ctx)
		if err != nil {
			return fmt.Errorf("postgres health: %w", err)
		}
		printHeader(out, "PostgreSQL", [][2]string{
			{"URL", redactURL(cfg.Database.URL)},
			{"Response", status.ResponseTime.String()},
			{"Connections", fmt.Sprintf("%d total / %d idle / %d max", status.TotalConns, status.IdleConns, status.MaxConns)},
		})
	}

	// Redis
	if !cfg.Redis.Enabled {
		fmt.Fprintln(out, "- Redis: disabled (local sequences, no dedup)")
	} else {
		client, err := redis.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		rtt, err := client.Ping(ctx)
		if err != nil {
			return err
		}
		printHeader(out, "Redis", [][2]string{
			{"Address", cfg.Redis.Host + ":" + cfg.Redis.Port},
			{"Response", rtt.String()},
		})
	}

	fmt.Fprintln(out, "✅ Backends reachable")
	return nil
}

// redactURL hides the password of a connection URL
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	return u.Redacted()
}
