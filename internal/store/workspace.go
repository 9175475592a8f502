package store

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/grcbff/model"
)

// Workspace holds the collections of one tenant, keyed by resource id.
type Workspace struct {
	tenant      string
	collections map[string]Collection
}

// NewWorkspace creates an empty workspace for tenant.
func NewWorkspace(tenant string) *Workspace {
	return &Workspace{
		tenant:      tenant,
		collections: make(map[string]Collection),
	}
}

// Tenant returns the owning tenant id.
func (w *Workspace) Tenant() string { return w.tenant }

// Register adds a collection. It fails if the id is already taken.
func (w *Workspace) Register(id string, c Collection) error {
	if _, dup := w.collections[id]; dup {
		return fmt.Errorf("workspace %s: collection %q already registered", w.tenant, id)
	}
	w.collections[id] = c
	return nil
}

// Collection returns the collection registered under id.
func (w *Workspace) Collection(id string) (Collection, bool) {
	c, ok := w.collections[id]
	return c, ok
}

// IDs returns the registered collection ids in sorted order.
func (w *Workspace) IDs() []string {
	ids := make([]string, 0, len(w.collections))
	for id := range w.collections {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Factory builds the workspace of a tenant.
type Factory func(tenant string) (*Workspace, error)

// Workspaces creates one Workspace per tenant on first use and keeps it for
// the life of the process.
type Workspaces struct {
	factory Factory
	onSize  func(int)

	mu       sync.Mutex
	byTenant map[string]*Workspace
}

// NewWorkspaces creates a workspace manager. onSize, if non-nil, is called
// with the number of workspaces whenever one is added.
func NewWorkspaces(factory Factory, onSize func(int)) *Workspaces {
	return &Workspaces{
		factory:  factory,
		onSize:   onSize,
		byTenant: make(map[string]*Workspace),
	}
}

// For returns the workspace of tenant, creating it if needed.
func (ws *Workspaces) For(tenant string) (*Workspace, error) {
	if tenant == "" {
		return nil, model.NewUnauthorizedError("tenant is required")
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if w, ok := ws.byTenant[tenant]; ok {
		return w, nil
	}
	w, err := ws.factory(tenant)
	if err != nil {
		return nil, fmt.Errorf("build workspace for tenant %s: %w", tenant, err)
	}
	ws.byTenant[tenant] = w
	if ws.onSize != nil {
		ws.onSize(len(ws.byTenant))
	}
	return w, nil
}

// Len returns the number of workspaces.
func (ws *Workspaces) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.byTenant)
}
