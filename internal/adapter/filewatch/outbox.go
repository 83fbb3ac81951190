package filewatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

// Outbox implements pipeline.BatchLoader by writing each document to
// <dir>/<id>.json.
type Outbox struct {
	dir string
}

// NewOutbox creates dir if needed.
func NewOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox: %w", err)
	}
	return &Outbox{dir: dir}, nil
}

// LoadBatch writes every document, replacing earlier output for the same ID.
// Each file appears atomically.
func (o *Outbox) LoadBatch(ctx context.Context, docs []domain.OutputDocument) error {
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.write(doc); err != nil {
			return err
		}
	}
	return nil
}

// Path returns where the document with the given key is written.
func (o *Outbox) Path(key []byte) string {
	name := filepath.Base(strings.TrimSpace(string(key)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "document"
	}
	return filepath.Join(o.dir, name+".json")
}

func (o *Outbox) write(doc domain.OutputDocument) error {
	dst := o.Path(doc.Key)
	tmp, err := os.CreateTemp(o.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if _, err := tmp.Write(doc.Value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
