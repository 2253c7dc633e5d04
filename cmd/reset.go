package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/analyzerkit/internal/bus"
	"github.com/Ashfaaq98/analyzerkit/internal/cache"
)

var (
	confirmReset bool
	resetRedis   bool
	resetArchive bool
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset Redis data and/or the report archive",
	Long: `Reset clears the analyzer cache and report stream in Redis and/or the
SQLite report archive.

By default, both Redis and the archive are reset. You can selectively reset
only one of them using the --redis-only or --archive-only flags. Only keys
written by analyzerkit are removed from Redis.

WARNING: This operation is irreversible and will permanently delete all data.

Examples:
  # Reset both Redis and the archive (requires confirmation)
  analyzerkit reset

  # Reset with automatic confirmation
  analyzerkit reset --yes

  # Clear only cached lookups and published reports
  analyzerkit reset --redis-only

  # Remove only the archive
  analyzerkit reset --archive-only`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&confirmReset, "yes", "y", false, "Automatically confirm reset operation")
	resetCmd.Flags().BoolVar(&resetRedis, "redis-only", false, "Reset only Redis data")
	resetCmd.Flags().BoolVar(&resetArchive, "archive-only", false, "Reset only the report archive")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	config := GetConfig()
	out := cmd.OutOrStdout()

	if !resetRedis && !resetArchive {
		resetRedis = true
		resetArchive = true
	}
	if resetRedis && config.Redis.URL == "" {
		if !resetArchive {
			return fmt.Errorf("no Redis URL configured")
		}
		resetRedis = false
	}

	var targets []string
	if resetRedis {
		targets = append(targets, "Redis cache and report stream")
	}
	if resetArchive {
		targets = append(targets, "report archive")
	}
	fmt.Fprintf(out, "This will permanently delete: %s\n", strings.Join(targets, " and "))

	if !confirmReset {
		fmt.Fprint(out, "Are you sure you want to continue? (y/N): ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if r := strings.ToLower(response); r != "y" && r != "yes" {
			fmt.Fprintln(out, "Reset operation cancelled.")
			return nil
		}
	}

	if resetRedis {
		n, err := resetRedisData(ctx, config.Redis.URL)
		if err != nil {
			if !resetArchive {
				return fmt.Errorf("failed to reset Redis data: %w", err)
			}
			fmt.Fprintf(out, "Warning: Failed to reset Redis data: %v\n", err)
		} else {
			fmt.Fprintf(out, "✓ Removed %d Redis key(s)\n", n)
		}
	}

	if resetArchive {
		removed, err := removeArchive(resolvePath(config.Archive.Path))
		if err != nil {
			return fmt.Errorf("failed to reset archive: %w", err)
		}
		if len(removed) == 0 {
			fmt.Fprintln(out, "No archive files found to remove")
		} else {
			fmt.Fprintf(out, "✓ Removed archive files: %s\n", strings.Join(removed, ", "))
		}
	}

	fmt.Fprintln(out, "Reset operation completed successfully!")
	return nil
}

// resetRedisData deletes the cache keys and the report stream.
func resetRedisData(ctx context.Context, redisURL string) (int64, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keys := []string{bus.ReportStream}
	iter := client.Scan(ctx, 0, cache.DefaultPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan Redis keys: %w", err)
	}

	n, err := client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete Redis keys: %w", err)
	}
	return n, nil
}

// removeArchive deletes the SQLite file and its WAL companions.
func removeArchive(dbPath string) ([]string, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return nil, nil
	}

	var removed []string
	for _, file := range []string{dbPath, dbPath + "-shm", dbPath + "-wal"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := os.Remove(file); err != nil {
			return removed, fmt.Errorf("failed to remove archive file %s: %w", file, err)
		}
		removed = append(removed, filepath.Base(file))
	}
	return removed, nil
}
