// Package cmd provides the gatectl CLI commands.
//
// gatectl talks straight to the Redis store shared by the gate instances,
// so throttles and counters can be inspected and tuned without going
// through the HTTP API.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	redisAddr     string
	redisPassword string
	redisDB       int
	keyPrefix     string
	cmdTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "gatectl",
	Short: "Operate MKK-Gate throttles and counters",
	Long: `gatectl operates the shared Redis state behind MKK-Gate.

It evaluates throttles, tunes knobs, and reads windowed counters directly
against the store, bypassing the HTTP API. Commands are safe to run while
gate instances are serving traffic: every write goes through the same
atomic scripts the gates use.

Examples:
  gatectl throttle check payments --rps 200 --burst 2 --window 5s
  gatectl knobs set payments --rps 50 --burst 1 --window 5s
  gatectl counter show payments`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", "", "redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "redis database")
	rootCmd.PersistentFlags().StringVar(&keyPrefix, "prefix", "throttle", "throttle key prefix")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 10*time.Second, "per-command timeout")
}

func newRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cmdTimeout)
}
