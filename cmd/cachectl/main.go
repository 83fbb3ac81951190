// Command cachectl inspects and maintains the boundary cache.
//
// Usage:
//
//	go run ./cmd/cachectl stats
//	go run ./cmd/cachectl clear-expired
//	go run ./cmd/cachectl clear-all
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/place2polygon/internal/app"
	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/config"
	"github.com/couchcryptid/place2polygon/internal/observability"
)

const usage = "usage: cachectl stats|clear-expired|clear-all"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, _, err := app.OpenCache(ctx, cfg, logger, observability.NewMetrics())
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := run(ctx, os.Args[1], c, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, c *cache.Cache, out io.Writer) error {
	switch cmd {
	case "stats":
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "clear-expired":
		n, err := c.ClearExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d expired entries\n", n)
		return nil
	case "clear-all":
		if err := c.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "cache cleared")
		return nil
	default:
		return fmt.Errorf("unknown command %q (%s)", cmd, usage)
	}
}
