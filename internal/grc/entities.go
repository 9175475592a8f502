// Package grc declares the typed GRC entities that carry lifecycle actions,
// their closed status sets, and typed store constructors over the generic
// resource store.
package grc

import (
	"encoding/json"

	"github.com/pitabwire/grcbff/model"
)

// Meta holds the fields every GRC entity shares. It is embedded so the
// fields marshal flat alongside the entity's own.
type Meta struct {
	ID        model.ID `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Owner     string   `json:"owner,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
	DeletedAt string   `json:"deletedAt,omitempty"`

	// Extra holds the backend fields the entity does not declare. They are
	// written back next to the declared ones.
	Extra map[string]any `json:"-"`
}

// ResourceID implements model.Resource.
func (m Meta) ResourceID() string { return string(m.ID) }

// ResourceStatus implements model.Resource.
func (m Meta) ResourceStatus() string { return m.Status }

// AuditTest is a control test in the audit programme.
type AuditTest struct {
	Meta
	ControlName string `json:"controlName"`
	Framework   string `json:"framework,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
	LastRunAt   string `json:"lastRunAt,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
}

// DataSubjectRequest is a GDPR data subject request.
type DataSubjectRequest struct {
	Meta
	RequestType    string `json:"requestType"`
	RequesterEmail string `json:"requesterEmail,omitempty"`
	DueDate        string `json:"dueDate,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// Obligation is a regulatory obligation and its compliance standing.
type Obligation struct {
	Meta
	Regulation string `json:"regulation"`
	Article    string `json:"article,omitempty"`
	Category   string `json:"category,omitempty"`
	DueDate    string `json:"dueDate,omitempty"`
}

// Policy is a governance policy document.
type Policy struct {
	Meta
	Category      string `json:"category,omitempty"`
	Version       string `json:"version,omitempty"`
	EffectiveDate string `json:"effectiveDate,omitempty"`
	ReviewDate    string `json:"reviewDate,omitempty"`
	Content       string `json:"content,omitempty"`
}

// Gap is a finding from a gap analysis against a framework.
type Gap struct {
	Meta
	Framework   string `json:"framework"`
	Severity    string `json:"severity"`
	Remediation string `json:"remediation,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
}

// Vendor is a third party under vendor risk management.
type Vendor struct {
	Meta
	Category     string `json:"category,omitempty"`
	RiskLevel    string `json:"riskLevel"`
	ContactEmail string `json:"contactEmail,omitempty"`
	ContractEnd  string `json:"contractEnd,omitempty"`
}

// Vulnerability is a tracked security weakness.
type Vulnerability struct {
	Meta
	Severity string  `json:"severity"`
	Asset    string  `json:"asset,omitempty"`
	CVE      string  `json:"cve,omitempty"`
	CVSS     float64 `json:"cvss,omitempty"`
}

func (e AuditTest) MarshalJSON() ([]byte, error) {
	type plain AuditTest
	return marshalFlat(plain(e), e.Extra)
}

func (e *AuditTest) UnmarshalJSON(b []byte) error {
	type plain AuditTest
	*e = AuditTest{}
	return unmarshalFlat(b, (*plain)(e), &e.Extra)
}

func (e DataSubjectRequest) MarshalJSON() ([]byte, error) {
	type plain DataSubjectRequest
	return marshalFlat(plain(e), e.Extra)
}

func (e *DataSubjectRequest) UnmarshalJSON(b []byte) error {
	type plain DataSubjectRequest
	*e = DataSubjectRequest{}
	return unmarshalFlat(b, (*plain)(e), &e.Extra)
}

func (e Obligation) MarshalJSON() ([]byte, error) {
	type plain Obligation
	return marshalFlat(plain(e), e.Extra)
}

func (e *Obligation) UnmarshalJSON(b []byte) error {
	type plain Obligation
	*e = Obligation{}
	return unmarshalFlat(b, (*plain)(e), &e.Extra)
}

func (e Policy) MarshalJSON() ([]byte, error) {
	type plain Policy
	return marshalFlat(plain(e), e.Extra)
}

func (e *Policy) UnmarshalJSON(b []byte) error {
	type plain Policy
	*e = Policy{}
	return unmarshalFlat(b, (*plain)(e), &e.Extra)
}

func (e Gap) MarshalJSON() ([]byte, error) {
	type plain Gap
	return marshalFlat(plain(e), e.Extra)
}

func (e *Gap) UnmarshalJSON(b []byte) error {
	type plain Gap
	*e = Gap{}
	return unmarshalFlat(b, (*plain)(e), &e.Extra)
}

func (e Vendor) MarshalJSON() ([]byte, error) {
	type plain Vendor
	return marshalFlat(plain(e), e.Extra)
}

func (e *Vendor) UnmarshalJSON(b []byte) error {
	type plain Vendor
	*e = Vendor{}
	return unmarshalFlat(b, (*plain)(e), &e.Extra)
}

func (e Vulnerability) MarshalJSON() ([]byte, error) {
	type plain Vulnerability
	return marshalFlat(plain(e), e.Extra)
}

func (e *Vulnerability) UnmarshalJSON(b []byte) error {
	type plain Vulnerability
	*e = Vulnerability{}
	return unmarshalFlat(b, (*plain)(e), &e.Extra)
}

// marshalFlat encodes v, then adds every extra field v does not already
// write.
func marshalFlat(v any, extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return json.Marshal(v)
	}
	fields, err := model.Fields(v)
	if err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = val
		}
	}
	return json.Marshal(fields)
}

// unmarshalFlat decodes b into v and keeps in extra the fields v would not
// write back. Empty values of omitted fields are kept too, so re-encoding
// reproduces the input.
func unmarshalFlat(b []byte, v any, extra *map[string]any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	written, err := model.Fields(v)
	if err != nil {
		return err
	}
	for k := range written {
		delete(all, k)
	}
	*extra = nil
	if len(all) > 0 {
		*extra = all
	}
	return nil
}
