package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

func TestNewRunDirNaming(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	dir, err := s.NewRunDir("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")
	if err != nil {
		t.Fatalf("NewRunDir: %v", err)
	}
	if got := filepath.Base(dir); got != "run_20260304_050607_0f1e2d3c" {
		t.Fatalf("unexpected run dir %q", got)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("run dir not created: %v", err)
	}
}

func TestNewRunDirRefusesEscapingIDs(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "artifacts")
	s := NewStore(root)

	for _, id := range []string{"/../../.", "../../x", `..\..\x`} {
		if dir, err := s.NewRunDir(id); err == nil {
			t.Fatalf("NewRunDir(%q) = %q, want error", id, dir)
		}
	}
	entries, _ := os.ReadDir(parent)
	if len(entries) != 0 {
		t.Fatalf("expected nothing created beside the root, got %d entries", len(entries))
	}
}

func TestWriteInRequiresPlainName(t *testing.T) {
	s := NewStore(t.TempDir())
	dir := filepath.Join(s.Root(), "run")

	for _, name := range []string{"", ".", "..", "../escape.json", "a/b.json", `a\b.json`} {
		if _, err := s.WriteIn(context.Background(), dir, name, []byte("{}")); err == nil {
			t.Fatalf("WriteIn(%q) succeeded, want error", name)
		}
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "escape.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("escape.json should not exist: %v", err)
	}

	abs, err := s.WriteIn(context.Background(), dir, "crawl_0f1e2d3c.json", []byte("{}"))
	if err != nil {
		t.Fatalf("WriteIn: %v", err)
	}
	if filepath.Dir(abs) != dir {
		t.Fatalf("written to %q, want inside %q", abs, dir)
	}
}

func TestWriteAtomicCreatesFile(t *testing.T) {
	s := NewStore(t.TempDir())
	path := filepath.Join(s.Root(), "nested", "post.json")

	abs, err := s.WriteAtomic(context.Background(), path, []byte(`{"title":"t","content":"c"}`))
	if err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"title":"t","content":"c"}` {
		t.Fatalf("unexpected content %s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(abs))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteAtomicNeverReplacesDifferentContent(t *testing.T) {
	s := NewStore(t.TempDir())
	path := filepath.Join(s.Root(), "receipt.json")
	ctx := context.Background()

	if _, err := s.WriteAtomic(ctx, path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := s.WriteAtomic(ctx, path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("identical rewrite should be accepted: %v", err)
	}
	_, err := s.WriteAtomic(ctx, path, []byte(`{"a":2}`))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"a":1}` {
		t.Fatalf("original artifact was modified: %s", data)
	}
}

func TestWriteAtomicConcurrentWritersOneWins(t *testing.T) {
	s := NewStore(t.TempDir())
	path := filepath.Join(s.Root(), "race.json")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.WriteAtomic(context.Background(), path, []byte(`{"writer":`+string(rune('0'+i))+`}`))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrExists) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one writer to win, got %d", wins)
	}
}

func TestLoadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load(filepath.Join(s.Root(), "nope.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	s := NewStore(t.TempDir())
	write := func(name, body string) string {
		p := filepath.Join(s.Root(), name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	a, err := s.Verify(domain.StageWrite, write("post.json", `{"title":"SLAM","content":"body","topics":["robots"]}`))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if a.Stage != domain.StageWrite || a.SchemaVersion != domain.SchemaVersion || !filepath.IsAbs(a.Path) {
		t.Fatalf("unexpected artifact %+v", a)
	}

	if _, err := s.Verify(domain.StageWrite, write("bad.json", `{"title":"x"}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for missing content, got %v", err)
	}
}

func TestValidateSchemas(t *testing.T) {
	tests := []struct {
		name  string
		stage domain.Stage
		doc   string
		ok    bool
	}{
		{"crawl object", domain.StageCrawl, `{"keyword":"SLAM","notes":[]}`, true},
		{"crawl bare array", domain.StageCrawl, `[{"note_id":"1"}]`, true},
		{"crawl missing keyword", domain.StageCrawl, `{"notes":[]}`, false},
		{"crawl array of scalars", domain.StageCrawl, `[1,2]`, false},
		{"audit array", domain.StageAudit, `[{"note_id":"1","scores":{}}]`, true},
		{"write array rejected", domain.StageWrite, `[{"title":"x"}]`, false},
		{"write ok", domain.StageWrite, `{"title":"t","content":"c"}`, true},
		{"illustrate needs images", domain.StageIllustrate, `{"images":[]}`, false},
		{"illustrate ok", domain.StageIllustrate, `{"images":["/tmp/a.png"]}`, true},
		{"publish receipt", domain.StagePublish, `{"source":"/tmp/p.json","images":["/tmp/a.png"]}`, true},
		{"wrong stage tag", domain.StageWrite, `{"stage":"audit","title":"t","content":"c"}`, false},
		{"future version", domain.StageWrite, `{"schema_version":2,"title":"t","content":"c"}`, false},
		{"tagged current", domain.StageWrite, `{"stage":"write","schema_version":1,"title":"t","content":"c"}`, true},
		{"empty", domain.StageWrite, `  `, false},
		{"not json", domain.StageAudit, `nope`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.stage, []byte(tt.doc))
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
