package model

import "time"

// NavigationTree is the top-level navigation structure returned to the frontend.
type NavigationTree struct {
	Items []NavigationNode `json:"items"`
}

// NavigationNode is a single node in the navigation tree.
type NavigationNode struct {
	ID       string           `json:"id"`
	Label    string           `json:"label"`
	Icon     string           `json:"icon"`
	Route    string           `json:"route,omitempty"`
	Children []NavigationNode `json:"children"`
}

// ResourceDescriptor is the list metadata for one resource collection.
type ResourceDescriptor struct {
	ID            string             `json:"id"`
	Domain        string             `json:"domain"`
	Label         string             `json:"label"`
	Statuses      []string           `json:"statuses"`
	SearchFields  []string           `json:"search_fields,omitempty"`
	CategoryField string             `json:"category_field,omitempty"`
	Filters       []FilterDescriptor `json:"filters,omitempty"`
	Actions       []ActionDescriptor `json:"actions,omitempty"`
	Template      string             `json:"template,omitempty"`
	SoftDelete    bool               `json:"soft_delete"`
}

// FilterDescriptor describes a resolved filter control.
type FilterDescriptor struct {
	Field   string             `json:"field"`
	Label   string             `json:"label"`
	Options []OptionDescriptor `json:"options,omitempty"`
}

// OptionDescriptor is a resolved option for dropdowns and filters.
type OptionDescriptor struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ActionDescriptor is a resolved lifecycle action sent to the frontend.
type ActionDescriptor struct {
	ID           string                  `json:"id"`
	Label        string                  `json:"label"`
	Style        string                  `json:"style,omitempty"`
	From         []string                `json:"from"`
	To           string                  `json:"to"`
	Confirmation *ConfirmationDescriptor `json:"confirmation,omitempty"`
}

// ConfirmationDescriptor describes a confirmation dialog.
type ConfirmationDescriptor struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Confirm string `json:"confirm"`
}

// StatResult is a computed dashboard counter.
type StatResult struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Notification is a user-visible message produced while serving a request.
type Notification struct {
	Level     string    `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Domain    string    `json:"domain,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Time      time.Time `json:"time"`
}

// Notification levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
)

// ListResponse is the response for resource list endpoints.
type ListResponse struct {
	Data ListPayload    `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ListPayload contains filtered items and the stats computed over the full
// active list.
type ListPayload struct {
	Items      []Record           `json:"items"`
	TotalCount int                `json:"total_count"`
	Stats      []StatResult       `json:"stats,omitempty"`
	Resource   ResourceDescriptor `json:"resource"`
}

// MutationResponse is the response from create, update, delete and action
// endpoints.
type MutationResponse struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	Result        Record         `json:"result,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// SearchResponse is the response from a cross-resource search.
type SearchResponse struct {
	Data SearchPayload  `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// SearchPayload contains one page of search results.
type SearchPayload struct {
	Results    []SearchResult `json:"results"`
	TotalCount int            `json:"total_count"`
	Query      string         `json:"query"`
}

// SearchResult is a single matching record.
type SearchResult struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Subtitle string  `json:"subtitle,omitempty"`
	Resource string  `json:"resource"`
	Domain   string  `json:"domain"`
	Status   string  `json:"status,omitempty"`
	Icon     string  `json:"icon,omitempty"`
	Route    string  `json:"route"`
	Score    float64 `json:"score"`
}
