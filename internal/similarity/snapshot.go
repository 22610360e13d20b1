package similarity

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// SaveSnapshot writes the graph to path in the hnsw export format, replacing
// any previous file atomically.
func (h *HNSW) SaveSnapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := h.g.Export(w); err != nil {
		tmp.Close()
		return fmt.Errorf("export graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSnapshot restores a graph written by SaveSnapshot. Graph parameters come
// from the file.
func LoadSnapshot(path string) (*HNSW, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := NewHNSW(HNSWParams{})
	if err := h.g.Import(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("import snapshot %s: %w", path, err)
	}
	return h, nil
}

// MemoryBuilder builds HNSW generations and snapshots each one when a path is set.
type MemoryBuilder struct {
	Params       HNSWParams
	SnapshotPath string
}

func (b *MemoryBuilder) Build(ctx context.Context, items []Item) (Index, error) {
	h := NewHNSW(b.Params)
	var dropped int
	for i, it := range items {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !h.Add(it.ID, it.Vector) {
			dropped++
		}
	}
	if dropped > 0 {
		slog.DebugContext(ctx, "vectors left out of index", "count", dropped)
	}

	if b.SnapshotPath != "" && h.Len() > 0 {
		if err := h.SaveSnapshot(b.SnapshotPath); err != nil {
			slog.WarnContext(ctx, "failed to save index snapshot", "path", b.SnapshotPath, "error", err)
		}
	}
	return h, nil
}

// Retire is a no-op; a swapped-out graph is reclaimed once its readers finish.
func (b *MemoryBuilder) Retire(context.Context, Index) error { return nil }
