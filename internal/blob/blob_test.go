package blob

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fieldserv/api/internal/enum"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	return NewFSStore(t.TempDir(), "http://localhost:8082/blobs")
}

func TestUploadAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	url, err := s.Upload(ctx, 7, enum.CategoryContract, "договор.pdf", strings.NewReader("pdf bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if want := "http://localhost:8082/blobs/7/contract/договор.pdf"; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}

	all, err := s.List(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != len(enum.Categories) {
		t.Errorf("listing has %d categories, want %d", len(all), len(enum.Categories))
	}
	if got := all[enum.CategoryContract]; len(got) != 1 || got[0] != url {
		t.Errorf("contract urls = %v", got)
	}
	// Categories without uploads list as empty, never as absent.
	if got, ok := all[enum.CategoryAct]; !ok || got == nil || len(got) != 0 {
		t.Errorf("act urls = %v (present %v)", got, ok)
	}
}

func TestUploadRejectsUnknownCategory(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upload(context.Background(), 7, "passport", "x.jpg", strings.NewReader("x")); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestUploadSanitizesTraversal(t *testing.T) {
	s := newTestStore(t)
	url, err := s.Upload(context.Background(), 7, enum.CategoryAct, "../../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasSuffix(url, "/7/act/passwd") {
		t.Errorf("traversal survived sanitization: %q", url)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	url, err := s.Upload(ctx, 7, enum.CategoryBeforePhoto, "before.jpg", strings.NewReader("jpg"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := s.Remove(ctx, 7, enum.CategoryBeforePhoto, url); err != nil {
		t.Fatalf("remove: %v", err)
	}

	all, err := s.List(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := all[enum.CategoryBeforePhoto]; len(got) != 0 {
		t.Errorf("urls after remove = %v", got)
	}

	// Second remove of the same URL reports not found.
	if err := s.Remove(ctx, 7, enum.CategoryBeforePhoto, url); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove err = %v, want ErrNotFound", err)
	}
}

func TestRemoveRejectsForeignURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, 7, enum.CategoryAct, "act.pdf", strings.NewReader("x")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// Wrong order, wrong category, wrong host: all must miss.
	for _, url := range []string{
		"http://localhost:8082/blobs/8/act/act.pdf",
		"http://localhost:8082/blobs/7/contract/act.pdf",
		"http://evil.example/blobs/7/act/act.pdf",
		"http://localhost:8082/blobs/7/act/../act/act.pdf",
	} {
		if err := s.Remove(ctx, 7, enum.CategoryAct, url); !errors.Is(err, ErrNotFound) {
			t.Errorf("Remove(%q) = %v, want ErrNotFound", url, err)
		}
	}
}

func TestRemoveAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, category := range enum.Categories {
		if _, err := s.Upload(ctx, 7, category, "f.jpg", strings.NewReader("x")); err != nil {
			t.Fatalf("upload %s: %v", category, err)
		}
	}

	if err := s.RemoveAll(ctx, 7); err != nil {
		t.Fatalf("remove all: %v", err)
	}

	all, err := s.List(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for category, urls := range all {
		if len(urls) != 0 {
			t.Errorf("%s urls after purge = %v", category, urls)
		}
	}
}

func TestListSorted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"c.jpg", "a.jpg", "b.jpg"} {
		if _, err := s.Upload(ctx, 7, enum.CategoryAfterPhoto, name, strings.NewReader("x")); err != nil {
			t.Fatalf("upload: %v", err)
		}
	}

	all, err := s.List(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	urls := all[enum.CategoryAfterPhoto]
	for i := 1; i < len(urls); i++ {
		if urls[i-1] > urls[i] {
			t.Fatalf("listing not sorted: %v", urls)
		}
	}
}
