// Package snapshot implements the on-demand backup/export mechanism:
// a file-backed, point-in-time capture of every series' metadata and
// current point set, for operator use. It is not consulted automatically
// on startup and is not a crash-recovery mechanism.
package snapshot

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kakoidb/kakoidb/internal/model"
	"github.com/kakoidb/kakoidb/internal/storage"
)

const fileExt = ".snap"

// SeriesSnapshot is one series' metadata plus every point it held at
// capture time.
type SeriesSnapshot struct {
	Series model.Series
	Points []model.Point
}

// Snapshot is the full serializable state captured at a moment in time.
type Snapshot struct {
	ID        string
	CreatedAt time.Time
	Series    []SeriesSnapshot
}

// header leads every snapshot file as its own gob value, so listing can
// read a snapshot's metadata without decoding the point payload behind it.
type header struct {
	ID          string
	CreatedAt   time.Time
	SeriesCount int
	PointCount  int
}

// Meta describes a snapshot without loading its full contents.
type Meta struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	SeriesCount int       `json:"series_count"`
	PointCount  int       `json:"point_count"`
	SizeBytes   int64     `json:"size_bytes"`
	FilePath    string    `json:"file_path"`
}

// Manager handles snapshot CRUD backed by a directory on disk.
type Manager struct {
	dir string
}

// NewManager creates a Manager that stores snapshots in dir, creating the
// directory if it does not exist yet.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	return &Manager{dir: dir}, nil
}

// path maps a snapshot ID to its file, rejecting IDs that would escape the
// backup directory. IDs arrive from the HTTP layer, so they are untrusted.
func (m *Manager) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("snapshot: invalid id %q", id)
	}
	return filepath.Join(m.dir, id+fileExt), nil
}

// Capture reads every series and its current points from e and returns an
// unsaved Snapshot; call Create to persist it. Capture takes e's read lock
// once per series via Query, so it is not atomic across series with
// respect to concurrent writers, which is acceptable for an
// operator-facing export.
func Capture(e *storage.Engine) (*Snapshot, error) {
	seriesList, err := e.ListSeries()
	if err != nil {
		return nil, fmt.Errorf("snapshot: list series: %w", err)
	}

	snap := &Snapshot{Series: make([]SeriesSnapshot, 0, len(seriesList))}
	for _, s := range seriesList {
		points, err := e.Query(s.Name, model.QueryOptions{})
		if err != nil {
			return nil, fmt.Errorf("snapshot: query %q: %w", s.Name, err)
		}
		snap.Series = append(snap.Series, SeriesSnapshot{Series: s, Points: points})
	}
	return snap, nil
}

// Create assigns snap a collision-free ID if it doesn't already have one,
// writes its header and payload to disk, and returns its metadata.
func (m *Manager) Create(snap *Snapshot) (Meta, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.CreatedAt = time.Now()

	points := 0
	for _, s := range snap.Series {
		points += len(s.Points)
	}
	hdr := header{
		ID:          snap.ID,
		CreatedAt:   snap.CreatedAt,
		SeriesCount: len(snap.Series),
		PointCount:  points,
	}

	path, err := m.path(snap.ID)
	if err != nil {
		return Meta{}, err
	}
	f, err := os.Create(path)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: create file: %w", err)
	}
	defer f.Close()

	enc := gob.NewEncoder(f)
	if err := enc.Encode(hdr); err != nil {
		return Meta{}, fmt.Errorf("snapshot: encode header: %w", err)
	}
	if err := enc.Encode(snap); err != nil {
		return Meta{}, fmt.Errorf("snapshot: encode: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: stat: %w", err)
	}
	return metaFrom(hdr, info.Size(), path), nil
}

// List returns metadata for every snapshot, newest first, by decoding each
// file's header. Files in the backup directory that are not readable
// snapshots (foreign files, truncated writes) are skipped rather than
// failing the whole listing.
func (m *Manager) List() ([]Meta, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}

	var metas []Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		meta, err := m.readMeta(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func (m *Manager) readMeta(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()

	var hdr header
	if err := gob.NewDecoder(f).Decode(&hdr); err != nil {
		return Meta{}, fmt.Errorf("snapshot: decode header of %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return Meta{}, err
	}
	return metaFrom(hdr, info.Size(), path), nil
}

func metaFrom(hdr header, size int64, path string) Meta {
	return Meta{
		ID:          hdr.ID,
		CreatedAt:   hdr.CreatedAt,
		SeriesCount: hdr.SeriesCount,
		PointCount:  hdr.PointCount,
		SizeBytes:   size,
		FilePath:    path,
	}
}

// Load reads and decodes a full snapshot from disk by ID.
func (m *Manager) Load(id string) (*Snapshot, error) {
	path, err := m.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", id, err)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	var hdr header
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("snapshot: decode header of %s: %w", id, err)
	}
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", id, err)
	}
	return &snap, nil
}

// Delete removes a snapshot file by ID.
func (m *Manager) Delete(id string) error {
	path, err := m.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	return nil
}
