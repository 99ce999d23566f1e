package services

import (
	"context"
	"time"

	domain "github.com/listing-auditor/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Product            = domain.Product
	ProductUpdate      = domain.ProductUpdate
	RuleOutcome        = domain.RuleOutcome
	AuditReport        = domain.AuditReport
	SystemHealthReport = domain.SystemHealthReport
)

// ProductStore mutates one shop's products through the platform admin API.
type ProductStore interface {
	// ApplyUpdate sends a sparse update. An empty update is a no-op.
	ApplyUpdate(ctx context.Context, productID int64, update domain.ProductUpdate) error
	// MergeTags reads the current tags once and writes back at most once,
	// returning the tags that were actually added.
	MergeTags(ctx context.Context, productID int64, tags ...string) ([]string, error)
}

// ProductStoreResolver returns the store bound to a shop's credential.
type ProductStoreResolver interface {
	ForShop(ctx context.Context, shopDomain string) (ProductStore, error)
}

// ProductStoreResolverFunc adapts a function to ProductStoreResolver.
type ProductStoreResolverFunc func(ctx context.Context, shopDomain string) (ProductStore, error)

// ForShop calls f.
func (f ProductStoreResolverFunc) ForShop(ctx context.Context, shopDomain string) (ProductStore, error) {
	return f(ctx, shopDomain)
}

// ContentGenerator asks a language model for product copy.
type ContentGenerator interface {
	GenerateDescription(ctx context.Context, title string) (string, error)
	ClassifyCategory(ctx context.Context, title, description string) (string, error)
}

// AuditReportPublisher ships finished audit reports to downstream consumers.
type AuditReportPublisher interface {
	PublishAuditReport(ctx context.Context, message AuditReportMessage) (string, error)
}

// AuditMetrics records audit results.
type AuditMetrics interface {
	ObserveAudit(report domain.AuditReport)
}

// AuditService runs the rule set over a product snapshot and applies the result.
type AuditService interface {
	Audit(ctx context.Context, product domain.Product) (domain.AuditReport, error)
}

// SystemService exposes health information for the probe endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// AuditReportMessage is the Pub/Sub payload describing one audit run.
type AuditReportMessage struct {
	RunID         string                `json:"runId"`
	ShopDomain    string                `json:"shopDomain"`
	ProductID     int64                 `json:"productId"`
	Outcomes      []AuditOutcomeMessage `json:"outcomes"`
	Fields        []string              `json:"fields,omitempty"`
	Tags          []string              `json:"tags,omitempty"`
	UpdateApplied bool                  `json:"updateApplied"`
	UpdateError   string                `json:"updateError,omitempty"`
	TagsAdded     []string              `json:"tagsAdded,omitempty"`
	TagError      string                `json:"tagError,omitempty"`
	StartedAt     time.Time             `json:"startedAt"`
	FinishedAt    time.Time             `json:"finishedAt"`
}

// AuditOutcomeMessage is one rule's entry in AuditReportMessage.
type AuditOutcomeMessage struct {
	Rule    string   `json:"rule"`
	Status  string   `json:"status"`
	Reason  string   `json:"reason,omitempty"`
	Failure string   `json:"failure,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// NewAuditReportMessage flattens a report for publication.
func NewAuditReportMessage(report domain.AuditReport) AuditReportMessage {
	outcomes := make([]AuditOutcomeMessage, 0, len(report.Outcomes))
	for _, outcome := range report.Outcomes {
		outcomes = append(outcomes, AuditOutcomeMessage{
			Rule:    outcome.Rule,
			Status:  string(outcome.Status),
			Reason:  outcome.Reason,
			Failure: string(outcome.Failure),
			Tags:    outcome.Tags,
		})
	}
	return AuditReportMessage{
		RunID:         report.RunID,
		ShopDomain:    report.ShopDomain,
		ProductID:     report.ProductID,
		Outcomes:      outcomes,
		Fields:        report.Update.Fields(),
		Tags:          report.Tags,
		UpdateApplied: report.UpdateApplied,
		UpdateError:   report.UpdateError,
		TagsAdded:     report.TagsAdded,
		TagError:      report.TagError,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
	}
}
