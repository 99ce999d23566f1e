package domain

import "time"

// RuleStatus is the coarse result of evaluating one audit rule.
type RuleStatus string

const (
	RuleStatusApplied RuleStatus = "applied"
	RuleStatusSkipped RuleStatus = "skipped"
	RuleStatusFailed  RuleStatus = "failed"
)

// FailureKind classifies why a rule could not produce its correction.
type FailureKind string

const (
	FailureKindNone              FailureKind = ""
	FailureKindQuotaExhausted    FailureKind = "quota_exhausted"
	FailureKindInvalidCredential FailureKind = "invalid_credential"
	FailureKindOther             FailureKind = "other"
)

// RuleOutcome is what a single rule contributes to an audit: a payload
// fragment, diagnostic tags, or nothing with a reason.
type RuleOutcome struct {
	Rule    string
	Status  RuleStatus
	Update  ProductUpdate
	Tags    []string
	Reason  string
	Failure FailureKind
}

// Applied records a rule that staged a correction or a diagnostic tag.
func Applied(rule string, update ProductUpdate, tags ...string) RuleOutcome {
	return RuleOutcome{Rule: rule, Status: RuleStatusApplied, Update: update, Tags: tags}
}

// Skipped records a rule that found nothing to do.
func Skipped(rule, reason string) RuleOutcome {
	return RuleOutcome{Rule: rule, Status: RuleStatusSkipped, Reason: reason}
}

// Failed records a rule whose collaborator failed. Tags carry the diagnostic
// marker that replaces the correction.
func Failed(rule string, kind FailureKind, reason string, tags ...string) RuleOutcome {
	if kind == FailureKindNone {
		kind = FailureKindOther
	}
	return RuleOutcome{Rule: rule, Status: RuleStatusFailed, Reason: reason, Failure: kind, Tags: tags}
}

// AuditReport summarises one audit run.
type AuditReport struct {
	RunID         string
	ProductID     int64
	ShopDomain    string
	Outcomes      []RuleOutcome
	Update        ProductUpdate
	Tags          []string
	UpdateApplied bool
	UpdateError   string
	TagsAdded     []string
	TagError      string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Duration returns the wall time spent on the audit.
func (r AuditReport) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome returns the outcome recorded for rule, if any.
func (r AuditReport) Outcome(rule string) (RuleOutcome, bool) {
	for _, outcome := range r.Outcomes {
		if outcome.Rule == rule {
			return outcome, true
		}
	}
	return RuleOutcome{}, false
}
