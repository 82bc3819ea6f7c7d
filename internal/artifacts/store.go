package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

var (
	// ErrNotFound is returned when an artifact path does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalid wraps schema and decoding failures.
	ErrInvalid = errors.New("artifact invalid")
	// ErrExists is returned when a different artifact already occupies the path.
	ErrExists = errors.New("artifact already exists with different content")
)

// Store reads, validates and atomically writes pipeline artifacts. Worker
// processes write their own files; the store only writes the documents the
// gateway materializes itself (inline results, manifests, receipts).
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: root, now: time.Now}
}

func (s *Store) Root() string { return s.root }

// NewRunDir creates a fresh run directory under the store root.
func (s *Store) NewRunDir(id string) (string, error) {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("run_%s_%s", s.now().UTC().Format("20060102_150405"), short)
	if !plainName(name) {
		return "", fmt.Errorf("create run dir: invalid name %q", name)
	}
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// WriteIn writes data as dir/name with WriteAtomic. name must be a single
// path element so the file cannot land outside dir.
func (s *Store) WriteIn(ctx context.Context, dir, name string, data []byte) (string, error) {
	if !plainName(name) {
		return "", fmt.Errorf("artifact name %q is not a plain file name", name)
	}
	return s.WriteAtomic(ctx, filepath.Join(dir, name), data)
}

func plainName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// WriteAtomic stages data in a temp file beside path and links it into
// place. An existing file with identical bytes is accepted; an existing
// file with different bytes is never replaced and yields ErrExists.
func (s *Store) WriteAtomic(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	dir, base := filepath.Split(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return "", err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return "", err
	}

	// Link fails instead of replacing, so a concurrent writer cannot be
	// clobbered between the existence check and the publish.
	if err := os.Link(tmpName, abs); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		existing, rerr := os.ReadFile(abs)
		if rerr != nil {
			return "", rerr
		}
		if !bytes.Equal(existing, data) {
			return "", fmt.Errorf("%w: %s", ErrExists, abs)
		}
	}
	return abs, nil
}

// Load reads the artifact at path without validating it.
func (s *Store) Load(path string) (*domain.Artifact, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalid, abs)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return &domain.Artifact{Path: abs, Raw: raw}, nil
}

// Verify loads path and checks it against the schema of stage.
func (s *Store) Verify(stage domain.Stage, path string) (*domain.Artifact, error) {
	a, err := s.Load(path)
	if err != nil {
		return nil, err
	}
	version, err := Validate(stage, a.Raw)
	if err != nil {
		return nil, err
	}
	a.Stage = stage
	a.SchemaVersion = version
	return a, nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
