package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/grcbff/model"
)

const metaSuffix = ".meta"

// FSStore keeps objects as files under a root directory, each with a
// "<file>.meta" JSON sidecar holding its content type and creation time.
type FSStore struct {
	root string
	now  func() time.Time
}

type metaFile struct {
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewFSStore creates root if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		root = "./exports"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", root, err)
	}
	return &FSStore{root: root, now: time.Now}, nil
}

// Driver implements Store.
func (s *FSStore) Driver() string { return DriverFS }

func (s *FSStore) pathFor(key string) (string, error) {
	if strings.TrimSpace(key) == "" || strings.HasSuffix(key, metaSuffix) {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid object key %q", key))
	}
	local := filepath.FromSlash(key)
	if !filepath.IsLocal(local) {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid object key %q", key))
	}
	return filepath.Join(s.root, local), nil
}

// Put implements Store. The data file is written to a temp file and renamed
// into place; existing keys are not overwritten.
func (s *FSStore) Put(_ context.Context, key, contentType string, body []byte) (Info, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(p); err == nil {
		return Info{}, model.NewConflictError(fmt.Sprintf("object %q already exists", key))
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return Info{}, fmt.Errorf("create dir for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return Info{}, fmt.Errorf("create temp for %q: %w", key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return Info{}, fmt.Errorf("write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("close %q: %w", key, err)
	}

	mf := metaFile{ContentType: contentType, Size: int64(len(body)), CreatedAt: s.now().UTC()}
	raw, err := json.Marshal(mf)
	if err != nil {
		return Info{}, fmt.Errorf("encode meta for %q: %w", key, err)
	}
	if err := os.WriteFile(p+metaSuffix, raw, 0o600); err != nil {
		return Info{}, fmt.Errorf("write meta for %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return Info{}, fmt.Errorf("store %q: %w", key, err)
	}
	return info(key, mf), nil
}

// Get implements Store.
func (s *FSStore) Get(_ context.Context, key string) (Info, []byte, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return Info{}, nil, err
	}
	body, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, nil, model.NewNotFoundError(fmt.Sprintf("object %q not found", key))
	}
	if err != nil {
		return Info{}, nil, fmt.Errorf("read %q: %w", key, err)
	}
	mf, err := readMeta(p)
	if err != nil {
		return Info{}, nil, err
	}
	return info(key, mf), body, nil
}

// List implements Store.
func (s *FSStore) List(_ context.Context, prefix string) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, metaSuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		mf, err := readMeta(p)
		if err != nil {
			return err
		}
		out = append(out, info(key, mf))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// HealthCheck verifies the root directory is still there.
func (s *FSStore) HealthCheck(context.Context) error {
	st, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("archive root %s is not a directory", s.root)
	}
	return nil
}

func readMeta(dataPath string) (metaFile, error) {
	var mf metaFile
	raw, err := os.ReadFile(dataPath + metaSuffix)
	if err != nil {
		return mf, fmt.Errorf("read meta for %s: %w", dataPath, err)
	}
	if err := json.Unmarshal(raw, &mf); err != nil {
		return mf, fmt.Errorf("decode meta for %s: %w", dataPath, err)
	}
	return mf, nil
}

func info(key string, mf metaFile) Info {
	return Info{Key: key, ContentType: mf.ContentType, Size: mf.Size, CreatedAt: mf.CreatedAt}
}
