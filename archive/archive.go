// Package archive reads a zipped fitness export: the activities.csv index
// and the files it refers to.
package archive

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNoIndex is returned when the archive has no activities.csv.
	ErrNoIndex = errors.New("archive: activities.csv not found")
	// ErrInvalid is returned for data that is not a readable export.
	ErrInvalid = errors.New("archive: invalid archive")
	// ErrEntryNotFound is returned for a path that is not in the archive.
	ErrEntryNotFound = errors.New("archive: entry not found")
)

const indexName = "activities.csv"

// maxEntrySize bounds the decompressed size of a single entry.
const maxEntrySize = 256 << 20

// Source is random access to the zip. Entries are read from it on demand,
// so the archive is never held in memory as a whole.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Loader opens the zip.
type Loader func(ctx context.Context) (Source, error)

// Reader opens the archive on first use and indexes its entries once.
type Reader struct {
	load Loader

	mu      sync.Mutex
	src     Source
	entries map[string]*zip.File
	root    string // directory holding activities.csv, normalized, with trailing slash
	hasRoot bool
}

func NewReader(load Loader) *Reader {
	return &Reader{load: load}
}

// Normalize lowercases p, turns backslashes into slashes and strips
// leading "./" and "/".
func Normalize(p string) string {
	p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	for {
		switch {
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			return p
		}
	}
}

func (r *Reader) open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries != nil {
		return nil
	}

	src, err := r.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load archive: %w", err)
	}
	zr, err := zip.NewReader(src, src.Size())
	if err != nil {
		closeSource(src)
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	entries := make(map[string]*zip.File, len(zr.File))
	var indexes []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := Normalize(f.Name)
		if _, dup := entries[name]; dup {
			continue
		}
		entries[name] = f
		if path.Base(name) == indexName {
			indexes = append(indexes, name)
		}
	}
	if len(indexes) > 0 {
		// the shallowest index wins
		sort.Slice(indexes, func(i, j int) bool {
			di, dj := strings.Count(indexes[i], "/"), strings.Count(indexes[j], "/")
			if di != dj {
				return di < dj
			}
			return indexes[i] < indexes[j]
		})
		r.root = strings.TrimSuffix(indexes[0], indexName)
		r.hasRoot = true
	}
	r.entries = entries
	r.src = src
	return nil
}

// Close releases the source once it was opened.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.src
	r.src, r.entries, r.root, r.hasRoot = nil, nil, "", false
	return closeSource(src)
}

func closeSource(src Source) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Reader) lookup(name string) (*zip.File, bool) {
	name = Normalize(name)
	if f, ok := r.entries[r.root+name]; ok {
		return f, true
	}
	f, ok := r.entries[name]
	return f, ok
}

// Activities parses the activities.csv index.
func (r *Reader) Activities(ctx context.Context) ([]Activity, error) {
	if err := r.open(ctx); err != nil {
		return nil, err
	}
	if !r.hasRoot {
		return nil, ErrNoIndex
	}
	data, err := readEntry(r.entries[r.root+indexName])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", indexName, err)
	}
	rows, err := ParseIndex(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return rows, nil
}

// ReadFile returns the content of name, resolved relative to the directory
// of activities.csv first and to the archive root second.
func (r *Reader) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := r.open(ctx); err != nil {
		return nil, err
	}
	f, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	data, err := readEntry(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// FitnessFile reads a fitness file, decompressing it when it ends in .gz.
// It returns the file name without the .gz suffix, which determines the
// format.
func (r *Reader) FitnessFile(ctx context.Context, name string) (string, []byte, error) {
	if !SupportedFitnessFile(name) {
		return "", nil, fmt.Errorf("unsupported fitness file %s", name)
	}
	data, err := r.ReadFile(ctx, name)
	if err != nil {
		return "", nil, err
	}
	plain := name
	if strings.HasSuffix(strings.ToLower(name), ".gz") {
		plain = name[:len(name)-3]
		data, err = gunzip(data)
		if err != nil {
			return "", nil, fmt.Errorf("failed to decompress %s: %w", name, err)
		}
	}
	return plain, data, nil
}

// SupportedFitnessFile reports whether name is a .fit, .gpx or .tcx file,
// optionally gzipped.
func SupportedFitnessFile(name string) bool {
	n := strings.TrimSuffix(strings.ToLower(name), ".gz")
	switch path.Ext(n) {
	case ".fit", ".gpx", ".tcx":
		return true
	}
	return false
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readLimited(rc)
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readLimited(zr)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("entry larger than %d bytes", maxEntrySize)
	}
	return data, nil
}
