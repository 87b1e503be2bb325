// Package blob stores order attachments in per-order, per-category folders
// and hands out public URLs. The listing is the source of truth for display:
// after any upload or delete the caller re-lists and reconciles the order
// record against what storage actually holds.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fieldserv/api/internal/enum"
)

// ErrPartialRemove signals that the database reference is gone but the
// underlying blob could not be deleted. An orphaned blob is a warning, not
// a failure: the next listing reconciles display state.
var ErrPartialRemove = errors.New("blob left orphaned in storage")

// ErrNotFound is returned when a URL does not resolve to a stored blob.
var ErrNotFound = errors.New("blob not found")

// Store is the attachment storage boundary.
type Store interface {
	// Upload writes the blob and returns its public URL.
	Upload(ctx context.Context, orderID int64, category, filename string, r io.Reader) (string, error)
	// List returns the public URLs per category for one order.
	List(ctx context.Context, orderID int64) (map[string][]string, error)
	// Remove deletes the blob behind the URL.
	Remove(ctx context.Context, orderID int64, category, url string) error
	// RemoveAll purges every blob of an order (order deletion).
	RemoveAll(ctx context.Context, orderID int64) error
}

// FSStore keeps blobs on the local filesystem under
// <dir>/<orderID>/<category>/<filename> and serves them at
// <baseURL>/<orderID>/<category>/<filename>.
type FSStore struct {
	dir     string
	baseURL string
}

// NewFSStore creates a filesystem-backed store rooted at dir.
func NewFSStore(dir, baseURL string) *FSStore {
	return &FSStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *FSStore) Upload(ctx context.Context, orderID int64, category, filename string, r io.Reader) (string, error) {
	if !enum.IsCategory(category) {
		return "", fmt.Errorf("unknown attachment category %q", category)
	}
	name := sanitizeFilename(filename)
	if name == "" {
		return "", fmt.Errorf("empty filename")
	}

	dir := filepath.Join(s.dir, strconv.FormatInt(orderID, 10), category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}

	return s.url(orderID, category, name), nil
}

func (s *FSStore) List(ctx context.Context, orderID int64) (map[string][]string, error) {
	out := make(map[string][]string, len(enum.Categories))
	for _, category := range enum.Categories {
		dir := filepath.Join(s.dir, strconv.FormatInt(orderID, 10), category)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				out[category] = []string{}
				continue
			}
			return nil, fmt.Errorf("list %s: %w", category, err)
		}

		urls := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			urls = append(urls, s.url(orderID, category, e.Name()))
		}
		sort.Strings(urls)
		out[category] = urls
	}
	return out, nil
}

func (s *FSStore) Remove(ctx context.Context, orderID int64, category, url string) error {
	name, ok := s.filenameFromURL(orderID, category, url)
	if !ok {
		return ErrNotFound
	}
	path := filepath.Join(s.dir, strconv.FormatInt(orderID, 10), category, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func (s *FSStore) RemoveAll(ctx context.Context, orderID int64) error {
	return os.RemoveAll(filepath.Join(s.dir, strconv.FormatInt(orderID, 10)))
}

func (s *FSStore) url(orderID int64, category, name string) string {
	return fmt.Sprintf("%s/%d/%s/%s", s.baseURL, orderID, category, name)
}

// filenameFromURL maps a public URL back to its stored filename, rejecting
// anything outside the order/category folder.
func (s *FSStore) filenameFromURL(orderID int64, category, url string) (string, bool) {
	prefix := fmt.Sprintf("%s/%d/%s/", s.baseURL, orderID, category)
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(url, prefix)
	if name == "" || name != sanitizeFilename(name) {
		return "", false
	}
	return name, true
}

// sanitizeFilename keeps only the base name so a crafted name cannot escape
// the category folder.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" {
		return ""
	}
	return base
}
