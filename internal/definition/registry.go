package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/grcbff/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	domains   map[string]model.DomainDefinition
	resources map[string]model.ResourceDefinition
	owners    map[string]string // resource id → domain
	ordered   []model.DomainDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.DomainDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Resource ids are expected to be unique; when
// they are not, the last definition wins.
func (r *Registry) Replace(defs []model.DomainDefinition) {
	s := &snapshot{
		domains:   make(map[string]model.DomainDefinition, len(defs)),
		resources: make(map[string]model.ResourceDefinition),
		owners:    make(map[string]string),
	}

	var checksumParts []string
	for _, def := range defs {
		s.domains[def.Domain] = def
		checksumParts = append(checksumParts, def.Checksum)
		for _, res := range def.Resources {
			s.resources[res.ID] = res
			s.owners[res.ID] = def.Domain
		}
	}

	s.ordered = make([]model.DomainDefinition, 0, len(s.domains))
	for _, d := range s.domains {
		s.ordered = append(s.ordered, d)
	}
	sort.SliceStable(s.ordered, func(i, j int) bool {
		if s.ordered[i].Navigation.Order != s.ordered[j].Navigation.Order {
			return s.ordered[i].Navigation.Order < s.ordered[j].Navigation.Order
		}
		return s.ordered[i].Domain < s.ordered[j].Domain
	})

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetDomain returns the domain definition with the given ID.
func (r *Registry) GetDomain(domainID string) (model.DomainDefinition, bool) {
	d, ok := r.current().domains[domainID]
	return d, ok
}

// GetResource returns the resource definition with the given ID and the
// domain that declares it.
func (r *Registry) GetResource(resourceID string) (model.ResourceDefinition, string, bool) {
	s := r.current()
	res, ok := s.resources[resourceID]
	return res, s.owners[resourceID], ok
}

// AllDomains returns all domain definitions ordered by navigation order.
func (r *Registry) AllDomains() []model.DomainDefinition {
	s := r.current()
	out := make([]model.DomainDefinition, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// AllResources returns every resource definition in navigation order.
func (r *Registry) AllResources() []model.ResourceDefinition {
	var out []model.ResourceDefinition
	for _, d := range r.current().ordered {
		out = append(out, d.Resources...)
	}
	return out
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
