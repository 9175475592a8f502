// Package metadata turns domain definitions into the navigation and
// resource descriptors the console renders, filtered by the caller's roles.
package metadata

import (
	"github.com/pitabwire/grcbff/internal/definition"
	"github.com/pitabwire/grcbff/model"
)

// ResourceRoute is the console route of a resource list.
const ResourceRoute = "/resources/"

// MenuProvider builds the NavigationTree from the definition registry.
type MenuProvider struct {
	registry *definition.Registry
}

// NewMenuProvider creates a MenuProvider backed by registry.
func NewMenuProvider(registry *definition.Registry) *MenuProvider {
	return &MenuProvider{registry: registry}
}

// GetMenu builds the navigation tree for the caller. Domains come in
// navigation order with one child per visible resource; a domain with no
// visible resource is left out.
func (p *MenuProvider) GetMenu(rctx *model.RequestContext) model.NavigationTree {
	nodes := []model.NavigationNode{}
	for _, domain := range p.registry.AllDomains() {
		nav := domain.Navigation
		if !Allowed(rctx, nav.Roles) {
			continue
		}

		node := model.NavigationNode{
			ID:    domain.Domain,
			Label: nav.Label,
			Icon:  nav.Icon,
		}
		for _, res := range domain.Resources {
			if !Allowed(rctx, res.Roles) {
				continue
			}
			icon := res.Icon
			if icon == "" {
				icon = nav.Icon
			}
			node.Children = append(node.Children, model.NavigationNode{
				ID:       res.ID,
				Label:    res.Label,
				Icon:     icon,
				Route:    ResourceRoute + res.ID,
				Children: []model.NavigationNode{},
			})
		}
		if len(node.Children) == 0 {
			continue
		}
		nodes = append(nodes, node)
	}
	return model.NavigationTree{Items: nodes}
}

// Allowed reports whether the caller holds one of roles. An empty role list
// allows everyone.
func Allowed(rctx *model.RequestContext, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	return rctx != nil && rctx.HasAnyRole(roles)
}
