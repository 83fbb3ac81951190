// Command resolve extracts the places mentioned in one text or HTML file and
// prints the enriched locations as JSON.
//
// Usage:
//
//	go run ./cmd/resolve -in article.html -geojson boundaries.geojson -orchestrate
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/place2polygon/internal/app"
	"github.com/couchcryptid/place2polygon/internal/config"
	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/observability"
)

func main() {
	in := flag.String("in", "", "text or HTML file to read (required; - for stdin)")
	geojsonOut := flag.String("geojson", "", "also write the boundaries as a GeoJSON FeatureCollection to this path")
	orchestrate := flag.Bool("orchestrate", false, "use the multi-strategy orchestrated search")
	flag.Parse()

	if *in == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*in, *geojsonOut, *orchestrate); err != nil {
		fmt.Fprintln(os.Stderr, "resolve:", err)
		os.Exit(1)
	}
}

func run(in, geojsonOut string, orchestrate bool) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	raw, err := readInput(in)
	if err != nil {
		return err
	}

	stack, err := app.Build(ctx, cfg, orchestrate, logger, metrics)
	if err != nil {
		return err
	}
	defer stack.Close()

	doc, err := stack.Transformer.Process(ctx, raw)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc.Locations); err != nil {
		return err
	}

	if geojsonOut != "" {
		data, err := json.MarshalIndent(doc.FeatureCollection, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(geojsonOut, data, 0o644); err != nil {
			return fmt.Errorf("write geojson: %w", err)
		}
		logger.Info("geojson written", "path", geojsonOut, "features", len(doc.FeatureCollection.Features))
	}
	return nil
}

// readInput wraps the file in a document payload typed by its extension.
func readInput(path string) (domain.RawDocument, error) {
	var (
		body []byte
		err  error
	)
	if path == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.RawDocument{}, fmt.Errorf("read %s: %w", path, err)
	}

	payload := domain.DocumentPayload{Text: string(body)}
	if path != "-" {
		payload.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		payload.ContentType = domain.ContentTypeHTML
	default:
		payload.ContentType = domain.ContentTypeText
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return domain.RawDocument{}, err
	}
	return domain.RawDocument{Value: value}, nil
}
