package metadata

import (
	"slices"

	"github.com/pitabwire/grcbff/model"
)

// ResolveActions converts action definitions into descriptors, omitting the
// ones the caller's roles do not allow. When status is non-empty only the
// actions valid from that status are kept.
func ResolveActions(rctx *model.RequestContext, actions []model.ActionDefinition, status string) []model.ActionDescriptor {
	var out []model.ActionDescriptor
	for _, a := range actions {
		if !Allowed(rctx, a.Roles) {
			continue
		}
		if status != "" && !slices.Contains(a.From, status) {
			continue
		}
		desc := model.ActionDescriptor{
			ID:    a.ID,
			Label: a.Label,
			Style: a.Style,
			From:  slices.Clone(a.From),
			To:    a.To,
		}
		if c := a.Confirmation; c != nil {
			desc.Confirmation = &model.ConfirmationDescriptor{
				Title:   c.Title,
				Message: c.Message,
				Confirm: c.Confirm,
			}
		}
		out = append(out, desc)
	}
	return out
}

// CanPerform reports whether the caller's roles allow action on def.
func CanPerform(rctx *model.RequestContext, def model.ResourceDefinition, action string) bool {
	a, ok := def.FindAction(action)
	return ok && Allowed(rctx, a.Roles)
}
