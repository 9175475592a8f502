// Package archive keeps exported documents so they can be listed and
// downloaded again. Objects are stored per tenant under
// "<prefix>/<tenant>/<id>/<filename>".
package archive

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/grcbff/model"
)

// Drivers.
const (
	DriverMemory = "memory"
	DriverFS     = "fs"
	DriverS3     = "s3"
)

// Info describes a stored object.
type Info struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is a flat blob store.
type Store interface {
	Driver() string
	Put(ctx context.Context, key, contentType string, body []byte) (Info, error)
	Get(ctx context.Context, key string) (Info, []byte, error)
	// List returns objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	HealthCheck(ctx context.Context) error
}

// Metrics receives archive write outcomes.
type Metrics interface {
	RecordArchiveWrite(driver, outcome string)
}

// Archive scopes a Store to tenants.
type Archive struct {
	store   Store
	prefix  string
	metrics Metrics
	newID   func() string
}

// New creates an Archive. Metrics may be nil.
func New(s Store, prefix string, m Metrics) *Archive {
	return &Archive{
		store:   s,
		prefix:  strings.Trim(prefix, "/"),
		metrics: m,
		newID:   uuid.NewString,
	}
}

// Driver returns the underlying store's driver name.
func (a *Archive) Driver() string { return a.store.Driver() }

// Save stores an exported document for tenant.
func (a *Archive) Save(ctx context.Context, tenant, filename, contentType string, body []byte) (Info, error) {
	if err := checkSegment("tenant", tenant); err != nil {
		return Info{}, err
	}
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if err := checkSegment("filename", name); err != nil {
		return Info{}, err
	}
	id := a.newID()
	info, err := a.store.Put(ctx, a.key(tenant, id, name), contentType, body)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if a.metrics != nil {
		a.metrics.RecordArchiveWrite(a.store.Driver(), outcome)
	}
	if err != nil {
		return Info{}, fmt.Errorf("archive %s: %w", name, err)
	}
	return a.withID(info), nil
}

// List returns the tenant's archived documents, newest first.
func (a *Archive) List(ctx context.Context, tenant string) ([]Info, error) {
	if err := checkSegment("tenant", tenant); err != nil {
		return nil, err
	}
	infos, err := a.store.List(ctx, a.key(tenant)+"/")
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	for i := range infos {
		infos[i] = a.withID(infos[i])
	}
	slices.SortStableFunc(infos, func(x, y Info) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.Key, y.Key)
	})
	return infos, nil
}

// Open returns one archived document of tenant by id.
func (a *Archive) Open(ctx context.Context, tenant, id string) (Info, []byte, error) {
	if err := checkSegment("tenant", tenant); err != nil {
		return Info{}, nil, err
	}
	if err := checkSegment("id", id); err != nil {
		return Info{}, nil, err
	}
	infos, err := a.store.List(ctx, a.key(tenant, id)+"/")
	if err != nil {
		return Info{}, nil, fmt.Errorf("open archive %s: %w", id, err)
	}
	if len(infos) == 0 {
		return Info{}, nil, model.NewNotFoundError(fmt.Sprintf("archived export %q not found", id))
	}
	info, body, err := a.store.Get(ctx, infos[0].Key)
	if err != nil {
		return Info{}, nil, fmt.Errorf("open archive %s: %w", id, err)
	}
	return a.withID(info), body, nil
}

// HealthCheck checks the underlying store.
func (a *Archive) HealthCheck(ctx context.Context) error {
	return a.store.HealthCheck(ctx)
}

func (a *Archive) key(parts ...string) string {
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// withID fills ID and Filename from the key layout.
func (a *Archive) withID(info Info) Info {
	segs := strings.Split(info.Key, "/")
	if n := len(segs); n >= 2 {
		info.ID = segs[n-2]
		info.Filename = segs[n-1]
	}
	return info
}

func checkSegment(what, s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
		return model.NewBadRequestError(fmt.Sprintf("invalid archive %s %q", what, s))
	}
	return nil
}
