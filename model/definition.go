package model

// DomainDefinition is the root structure of a definition file. Each file
// declares one console area and the resource collections it manages.
type DomainDefinition struct {
	Domain     string               `yaml:"domain"     json:"domain"`
	Version    string               `yaml:"version"    json:"version"`
	Navigation NavigationDefinition `yaml:"navigation" json:"navigation"`
	Resources  []ResourceDefinition `yaml:"resources"  json:"resources"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// NavigationDefinition describes a domain's menu entry.
type NavigationDefinition struct {
	Label string   `yaml:"label" json:"label"`
	Icon  string   `yaml:"icon"  json:"icon"`
	Order int      `yaml:"order" json:"order"`
	Roles []string `yaml:"roles" json:"roles,omitempty"`
}

// ResourceDefinition describes one resource collection: where it lives on the
// backend, which statuses it may hold, how it is searched and filtered, and
// which lifecycle actions apply to it.
type ResourceDefinition struct {
	ID             string             `yaml:"id"              json:"id"`
	Label          string             `yaml:"label"           json:"label"`
	Icon           string             `yaml:"icon"            json:"icon,omitempty"`
	Endpoint       string             `yaml:"endpoint"        json:"endpoint"`
	Statuses       []string           `yaml:"statuses"        json:"statuses"`
	SearchFields   []string           `yaml:"search_fields"   json:"search_fields"`
	CategoryField  string             `yaml:"category_field"  json:"category_field,omitempty"`
	Filters        []FilterDefinition `yaml:"filters"         json:"filters,omitempty"`
	RequiredFields []string           `yaml:"required_fields" json:"required_fields,omitempty"`
	Actions        []ActionDefinition `yaml:"actions"         json:"actions,omitempty"`
	Stats          []StatDefinition   `yaml:"stats"           json:"stats,omitempty"`
	Document       *DocumentBinding   `yaml:"document"        json:"document,omitempty"`
	SoftDelete     *bool              `yaml:"soft_delete"     json:"soft_delete,omitempty"`
	Roles          []string           `yaml:"roles"           json:"roles,omitempty"`
}

// SoftDeletes reports whether deletes of this resource are reversible. It
// defaults to true.
func (d ResourceDefinition) SoftDeletes() bool {
	return d.SoftDelete == nil || *d.SoftDelete
}

// FindAction returns the action with the given id.
func (d ResourceDefinition) FindAction(id string) (ActionDefinition, bool) {
	for _, a := range d.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return ActionDefinition{}, false
}

// FilterDefinition describes an equality filter exposed above a list.
type FilterDefinition struct {
	Field   string         `yaml:"field"   json:"field"`
	Label   string         `yaml:"label"   json:"label"`
	Options []StaticOption `yaml:"options" json:"options,omitempty"`
}

// StaticOption is a label/value pair for dropdowns and filters.
type StaticOption struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// ActionDefinition describes a lifecycle action such as approve or publish.
// The action is only valid while the resource status is one of From, and it
// moves the resource to To. Route overrides the backend sub-route, which
// defaults to the action id.
type ActionDefinition struct {
	ID           string                  `yaml:"id"           json:"id"`
	Label        string                  `yaml:"label"        json:"label"`
	From         []string                `yaml:"from"         json:"from"`
	To           string                  `yaml:"to"           json:"to"`
	Route        string                  `yaml:"route"        json:"route,omitempty"`
	Style        string                  `yaml:"style"        json:"style,omitempty"`
	Roles        []string                `yaml:"roles"        json:"roles,omitempty"`
	Confirmation *ConfirmationDefinition `yaml:"confirmation" json:"confirmation,omitempty"`
}

// ConfirmationDefinition describes a confirmation dialog.
type ConfirmationDefinition struct {
	Title   string `yaml:"title"   json:"title"`
	Message string `yaml:"message" json:"message"`
	Confirm string `yaml:"confirm" json:"confirm"`
}

// StatDefinition describes a dashboard counter. With no Field the stat counts
// every active resource; otherwise it counts resources whose Field equals
// Value.
type StatDefinition struct {
	ID    string `yaml:"id"    json:"id"`
	Label string `yaml:"label" json:"label"`
	Field string `yaml:"field" json:"field,omitempty"`
	Value string `yaml:"value" json:"value,omitempty"`
}

// DocumentBinding links a resource to a document template.
type DocumentBinding struct {
	Template  string `yaml:"template"   json:"template"`
	NameField string `yaml:"name_field" json:"name_field,omitempty"`
}
