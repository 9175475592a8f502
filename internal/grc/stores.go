package grc

import (
	"fmt"
	"slices"
	"sort"

	"github.com/pitabwire/grcbff/internal/lifecycle"
	"github.com/pitabwire/grcbff/internal/store"
	"github.com/pitabwire/grcbff/model"
)

// Resource ids of the typed collections. They match the ids used in the
// domain definition files.
const (
	AuditTests      = "tests"
	DSRs            = "dsr"
	Obligations     = "obligations"
	Policies        = "policies"
	Gaps            = "gaps"
	Vendors         = "vendors"
	Vulnerabilities = "vulnerabilities"
)

// NewAuditTestStore creates the audit test store.
func NewAuditTestStore(client store.Doer, endpoint string, opts ...store.Option) *store.Store[AuditTest] {
	return newStore[AuditTest](AuditTests, client, endpoint, AuditTestLifecycle(), opts)
}

// NewDSRStore creates the data subject request store.
func NewDSRStore(client store.Doer, endpoint string, opts ...store.Option) *store.Store[DataSubjectRequest] {
	return newStore[DataSubjectRequest](DSRs, client, endpoint, DSRLifecycle(), opts)
}

// NewObligationStore creates the obligation store.
func NewObligationStore(client store.Doer, endpoint string, opts ...store.Option) *store.Store[Obligation] {
	return newStore[Obligation](Obligations, client, endpoint, ObligationLifecycle(), opts)
}

// NewPolicyStore creates the policy store.
func NewPolicyStore(client store.Doer, endpoint string, opts ...store.Option) *store.Store[Policy] {
	return newStore[Policy](Policies, client, endpoint, PolicyLifecycle(), opts)
}

// NewGapStore creates the gap analysis store.
func NewGapStore(client store.Doer, endpoint string, opts ...store.Option) *store.Store[Gap] {
	return newStore[Gap](Gaps, client, endpoint, GapLifecycle(), opts)
}

// NewVendorStore creates the vendor store.
func NewVendorStore(client store.Doer, endpoint string, opts ...store.Option) *store.Store[Vendor] {
	return newStore[Vendor](Vendors, client, endpoint, VendorLifecycle(), opts)
}

// NewVulnerabilityStore creates the vulnerability store.
func NewVulnerabilityStore(client store.Doer, endpoint string, opts ...store.Option) *store.Store[Vulnerability] {
	return newStore[Vulnerability](Vulnerabilities, client, endpoint, VulnerabilityLifecycle(), opts)
}

func newStore[T model.Resource](id string, client store.Doer, endpoint string, m *lifecycle.Machine, opts []store.Option) *store.Store[T] {
	if endpoint == "" {
		endpoint = "/api/" + id
	}
	return store.New[T](id, store.NewRemoteBackend[T](client, endpoint), m, opts...)
}

// Kind describes a typed collection.
type Kind struct {
	ID        string
	Lifecycle func() *lifecycle.Machine
	open      func(client store.Doer, endpoint string, opts []store.Option) store.Collection
}

// Open creates the collection's store and exposes it as a store.Collection.
func (k Kind) Open(client store.Doer, endpoint string, opts ...store.Option) store.Collection {
	return k.open(client, endpoint, opts)
}

var kinds = map[string]Kind{
	AuditTests: {AuditTests, AuditTestLifecycle, func(c store.Doer, e string, o []store.Option) store.Collection {
		return store.AsCollection(NewAuditTestStore(c, e, o...))
	}},
	DSRs: {DSRs, DSRLifecycle, func(c store.Doer, e string, o []store.Option) store.Collection {
		return store.AsCollection(NewDSRStore(c, e, o...))
	}},
	Obligations: {Obligations, ObligationLifecycle, func(c store.Doer, e string, o []store.Option) store.Collection {
		return store.AsCollection(NewObligationStore(c, e, o...))
	}},
	Policies: {Policies, PolicyLifecycle, func(c store.Doer, e string, o []store.Option) store.Collection {
		return store.AsCollection(NewPolicyStore(c, e, o...))
	}},
	Gaps: {Gaps, GapLifecycle, func(c store.Doer, e string, o []store.Option) store.Collection {
		return store.AsCollection(NewGapStore(c, e, o...))
	}},
	Vendors: {Vendors, VendorLifecycle, func(c store.Doer, e string, o []store.Option) store.Collection {
		return store.AsCollection(NewVendorStore(c, e, o...))
	}},
	Vulnerabilities: {Vulnerabilities, VulnerabilityLifecycle, func(c store.Doer, e string, o []store.Option) store.Collection {
		return store.AsCollection(NewVulnerabilityStore(c, e, o...))
	}},
}

// Lookup returns the typed kind for a resource id.
func Lookup(id string) (Kind, bool) {
	k, ok := kinds[id]
	return k, ok
}

// IDs returns the ids of all typed kinds, sorted.
func IDs() []string {
	ids := make([]string, 0, len(kinds))
	for id := range kinds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckDefinition verifies that a resource definition agrees with the typed
// lifecycle of the same id: every declared status and every action must
// exist in code with the same target. Definitions without a typed kind
// always pass.
func CheckDefinition(def model.ResourceDefinition) error {
	k, ok := Lookup(def.ID)
	if !ok {
		return nil
	}
	m := k.Lifecycle()
	known := m.Statuses()
	for _, s := range def.Statuses {
		if !slices.Contains(known, s) {
			return fmt.Errorf("resource %q: status %q is not part of the %s lifecycle %v", def.ID, s, k.ID, known)
		}
	}
	for _, a := range def.Actions {
		act, ok := m.Action(a.ID)
		if !ok {
			return fmt.Errorf("resource %q: action %q is not part of the %s lifecycle", def.ID, a.ID, k.ID)
		}
		if a.To != "" && a.To != act.To {
			return fmt.Errorf("resource %q: action %q targets %q, lifecycle targets %q", def.ID, a.ID, a.To, act.To)
		}
	}
	return nil
}

// OpenDefinition opens the collection serving a resource definition: the
// typed store when the id has a kind, otherwise a record store driven by the
// definition's own lifecycle.
func OpenDefinition(def model.ResourceDefinition, client store.Doer, opts ...store.Option) (store.Collection, error) {
	if k, ok := Lookup(def.ID); ok {
		return k.Open(client, def.Endpoint, opts...), nil
	}
	m, err := lifecycle.FromDefinition(def)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", def.ID, err)
	}
	endpoint := def.Endpoint
	if endpoint == "" {
		endpoint = "/api/" + def.ID
	}
	return store.AsCollection(store.New[model.Record](def.ID,
		store.NewRemoteBackend[model.Record](client, endpoint), m, opts...)), nil
}
