package grc

import "github.com/pitabwire/grcbff/internal/lifecycle"

// Statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"

	TestPassed = "passed"
	TestFailed = "failed"

	DSRApproved = "approved"
	DSRRejected = "rejected"

	ObligationCompliant    = "compliant"
	ObligationPartial      = "partial"
	ObligationNonCompliant = "non-compliant"

	PolicyDraft     = "draft"
	PolicyReview    = "review"
	PolicyPublished = "published"
	PolicyArchived  = "archived"

	GapOpen     = "open"
	GapResolved = "resolved"

	VendorActive      = "active"
	VendorUnderReview = "under_review"
	VendorInactive    = "inactive"

	VulnOpen     = "open"
	VulnResolved = "resolved"
	VulnAccepted = "accepted"
)

// AuditTestLifecycle: run moves a pending or failed test into progress, and
// a running test either passes or fails.
func AuditTestLifecycle() *lifecycle.Machine {
	return lifecycle.MustNew(
		[]string{StatusPending, StatusInProgress, TestPassed, TestFailed},
		lifecycle.Action{ID: "run", From: []string{StatusPending, TestFailed}, To: StatusInProgress},
		lifecycle.Action{ID: "pass", From: []string{StatusInProgress}, To: TestPassed},
		lifecycle.Action{ID: "fail", From: []string{StatusInProgress}, To: TestFailed},
	)
}

// DSRLifecycle: pending and in_progress requests are approved or rejected;
// both outcomes are terminal.
func DSRLifecycle() *lifecycle.Machine {
	open := []string{StatusPending, StatusInProgress}
	return lifecycle.MustNew(
		[]string{StatusPending, StatusInProgress, DSRApproved, DSRRejected},
		lifecycle.Action{ID: "start", From: []string{StatusPending}, To: StatusInProgress},
		lifecycle.Action{ID: "approve", From: open, To: DSRApproved},
		lifecycle.Action{ID: "reject", From: open, To: DSRRejected},
	)
}

// ObligationLifecycle has no actions; status is edited directly.
func ObligationLifecycle() *lifecycle.Machine {
	return lifecycle.MustNew(
		[]string{ObligationCompliant, ObligationPartial, ObligationNonCompliant, StatusPending},
	)
}

// PolicyLifecycle: drafts go to review, drafts and reviewed policies are
// published, and published policies are archived.
func PolicyLifecycle() *lifecycle.Machine {
	return lifecycle.MustNew(
		[]string{PolicyDraft, PolicyReview, PolicyPublished, PolicyArchived},
		lifecycle.Action{ID: "submit", From: []string{PolicyDraft}, To: PolicyReview},
		lifecycle.Action{ID: "publish", From: []string{PolicyDraft, PolicyReview}, To: PolicyPublished},
		lifecycle.Action{ID: "archive", From: []string{PolicyPublished}, To: PolicyArchived},
	)
}

// GapLifecycle: open gaps are resolved and resolved gaps can be reopened.
func GapLifecycle() *lifecycle.Machine {
	return lifecycle.MustNew(
		[]string{GapOpen, StatusInProgress, GapResolved},
		lifecycle.Action{ID: "resolve", From: []string{GapOpen, StatusInProgress}, To: GapResolved},
		lifecycle.Action{ID: "reopen", From: []string{GapResolved}, To: GapOpen},
	)
}

// VendorLifecycle: active vendors are reviewed, reviews end in approval,
// and any vendor still in use can be deactivated.
func VendorLifecycle() *lifecycle.Machine {
	return lifecycle.MustNew(
		[]string{VendorActive, VendorUnderReview, VendorInactive},
		lifecycle.Action{ID: "review", From: []string{VendorActive}, To: VendorUnderReview},
		lifecycle.Action{ID: "approve", From: []string{VendorUnderReview}, To: VendorActive},
		lifecycle.Action{ID: "deactivate", From: []string{VendorActive, VendorUnderReview}, To: VendorInactive},
	)
}

// VulnerabilityLifecycle: open vulnerabilities are resolved or their risk is
// accepted.
func VulnerabilityLifecycle() *lifecycle.Machine {
	return lifecycle.MustNew(
		[]string{VulnOpen, StatusInProgress, VulnResolved, VulnAccepted},
		lifecycle.Action{ID: "resolve", From: []string{VulnOpen, StatusInProgress}, To: VulnResolved},
		lifecycle.Action{ID: "accept", From: []string{VulnOpen}, To: VulnAccepted},
	)
}
