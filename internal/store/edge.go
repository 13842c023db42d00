package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"geocache/internal/codec"
	"geocache/internal/core"
)

// EdgeBackend stores one JSON file per entry under a directory. It backs
// the edge layer on nodes with local disk but no database. Writes go
// through a temp file + rename so readers never see a torn entry.
type EdgeBackend struct {
	mu    sync.Mutex
	dir   string
	codec *codec.Codec
}

// edgeRecord is the on-disk form; the payload is stored encoded.
type edgeRecord struct {
	Entry  *core.CacheEntry `json:"entry"`
	Stored []byte           `json:"stored_payload"`
}

// NewEdgeBackend creates the directory if needed.
func NewEdgeBackend(dir string, c *codec.Codec) (*EdgeBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("edge directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create edge directory: %w", err)
	}
	if c == nil {
		c = codec.New(0)
	}
	return &EdgeBackend{dir: dir, codec: c}, nil
}

// Layer returns core.LayerEdge.
func (b *EdgeBackend) Layer() core.Layer { return core.LayerEdge }

// path maps a cache key to its file. Keys are "<type>:<hex>" so only the
// separator needs escaping.
func (b *EdgeBackend) path(key string) string {
	return filepath.Join(b.dir, strings.ReplaceAll(key, ":", "__")+".json")
}

func (b *EdgeBackend) read(key string) (*edgeRecord, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read edge entry: %w", err)
	}
	var rec edgeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse edge entry: %w", err)
	}
	return &rec, nil
}

// write persists atomically via temp file + rename.
func (b *EdgeBackend) write(key string, rec *edgeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal edge entry: %w", err)
	}
	path := b.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write edge entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename edge entry: %w", err)
	}
	return nil
}

// Get returns the entry with its payload decoded.
func (b *EdgeBackend) Get(_ context.Context, key string) (*core.CacheEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.read(key)
	if err != nil {
		return nil, err
	}
	payload, err := b.codec.Decode(rec.Stored)
	if err != nil {
		return nil, err
	}
	entry := *rec.Entry
	entry.Payload = payload
	return &entry, nil
}

// Put upserts the entry, encoding the payload.
func (b *EdgeBackend) Put(_ context.Context, entry *core.CacheEntry) error {
	stored, err := b.codec.Encode(entry.Payload)
	if err != nil {
		return err
	}
	cp := *entry
	cp.Payload = nil
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(entry.Key, &edgeRecord{Entry: &cp, Stored: stored})
}

// Touch updates last_accessed_at.
func (b *EdgeBackend) Touch(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.read(key)
	if err != nil {
		return err
	}
	rec.Entry.LastAccessedAt = at
	return b.write(key, rec)
}

// Delete removes the entry file. Idempotent.
func (b *EdgeBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete edge entry: %w", err)
	}
	return nil
}

// List walks the directory and returns entries matching the filter.
// Payloads stay encoded off; scans only need metadata fields.
func (b *EdgeBackend) List(_ context.Context, f Filter) ([]*core.CacheEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list edge entries: %w", err)
	}
	var out []*core.CacheEntry
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, de.Name()))
		if err != nil {
			continue // entry deleted mid-walk
		}
		var rec edgeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if f.Matches(rec.Entry) {
			out = append(out, rec.Entry)
		}
	}
	return out, nil
}

// RecordHit increments hit_count and sets last_accessed_at. The per-key
// mutex makes the read-modify-write atomic for this single-process layer.
func (b *EdgeBackend) RecordHit(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.read(key)
	if err != nil {
		return err
	}
	rec.Entry.HitCount++
	rec.Entry.LastAccessedAt = at
	return b.write(key, rec)
}

// RecordMiss increments miss_count and sets last_accessed_at.
func (b *EdgeBackend) RecordMiss(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.read(key)
	if err != nil {
		return err
	}
	rec.Entry.MissCount++
	rec.Entry.LastAccessedAt = at
	return b.write(key, rec)
}

// Close is a no-op; files are flushed on every write.
func (b *EdgeBackend) Close() error { return nil }

var _ Backend = (*EdgeBackend)(nil)
