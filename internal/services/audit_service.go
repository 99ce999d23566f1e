package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/listing-auditor/api/internal/domain"
)

var (
	// ErrAuditInvalidInput indicates the product snapshot cannot be audited.
	ErrAuditInvalidInput = errors.New("audit: invalid input")
	// ErrAuditStoreUnavailable indicates no product store could be resolved for the shop.
	ErrAuditStoreUnavailable = errors.New("audit: product store unavailable")
)

// AuditServiceDeps bundles collaborators required to construct the audit service.
type AuditServiceDeps struct {
	Stores    ProductStoreResolver
	Generator ContentGenerator
	Settings  AuditRuleSettings
	// ClassifyFailure maps generator errors to failure kinds. Defaults to "other".
	ClassifyFailure func(error) domain.FailureKind
	// Random returns an int in [0, n). Defaults to math/rand/v2.
	Random      func(n int) int
	Publisher   AuditReportPublisher
	Metrics     AuditMetrics
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type auditService struct {
	stores    ProductStoreResolver
	rules     *ruleSet
	publisher AuditReportPublisher
	metrics   AuditMetrics
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

var _ AuditService = (*auditService)(nil)

// NewAuditService wires the rule set and the product store into an AuditService.
func NewAuditService(deps AuditServiceDeps) (AuditService, error) {
	if deps.Stores == nil {
		return nil, errors.New("audit service: product store resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &auditService{
		stores:    deps.Stores,
		rules:     newRuleSet(deps.Settings, deps.Generator, deps.ClassifyFailure, deps.Random, logger),
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Audit evaluates every rule against product and applies the merged result
// with at most one update call and one tag merge. Store failures are recorded
// on the report; only invalid input or a missing credential return an error.
func (s *auditService) Audit(ctx context.Context, product domain.Product) (domain.AuditReport, error) {
	if product.ID == 0 {
		return domain.AuditReport{}, fmt.Errorf("%w: product id is required", ErrAuditInvalidInput)
	}
	shop := domain.NormalizeShopDomain(product.ShopDomain)
	if shop == "" {
		return domain.AuditReport{}, fmt.Errorf("%w: shop domain is required", ErrAuditInvalidInput)
	}
	product.ShopDomain = shop

	report := domain.AuditReport{
		RunID:      s.newID(),
		ProductID:  product.ID,
		ShopDomain: shop,
		StartedAt:  s.clock(),
	}
	fields := map[string]any{
		"runID":     report.RunID,
		"productID": product.ID,
		"shop":      shop,
	}

	store, err := s.stores.ForShop(ctx, shop)
	if err != nil {
		s.logger(ctx, "audit.store.failed", withFields(fields, map[string]any{"error": err}))
		return domain.AuditReport{}, fmt.Errorf("%w: %w", ErrAuditStoreUnavailable, err)
	}

	report.Outcomes = s.rules.evaluate(ctx, product)
	report.Update, report.Tags = mergeOutcomes(report.Outcomes)

	if !report.Update.IsEmpty() {
		if err := store.ApplyUpdate(ctx, product.ID, report.Update); err != nil {
			report.UpdateError = err.Error()
			s.logger(ctx, "audit.update.failed", withFields(fields, map[string]any{
				"fields": report.Update.Fields(),
				"error":  err,
			}))
		} else {
			report.UpdateApplied = true
		}
	}

	if len(report.Tags) > 0 {
		added, err := store.MergeTags(ctx, product.ID, report.Tags...)
		switch {
		case errors.Is(err, domain.ErrTagReadFailed):
			report.TagError = err.Error()
			s.logger(ctx, "audit.tags.skipped", withFields(fields, map[string]any{"error": err}))
		case err != nil:
			report.TagError = err.Error()
			s.logger(ctx, "audit.tags.failed", withFields(fields, map[string]any{
				"tags":  report.Tags,
				"error": err,
			}))
		default:
			report.TagsAdded = added
		}
	}

	report.FinishedAt = s.clock()
	if s.metrics != nil {
		s.metrics.ObserveAudit(report)
	}
	s.logger(ctx, "audit.completed", withFields(fields, map[string]any{
		"outcomes":      summarizeOutcomes(report.Outcomes),
		"fields":        report.Update.Fields(),
		"updateApplied": report.UpdateApplied,
		"tagsAdded":     report.TagsAdded,
		"durationMs":    report.Duration().Milliseconds(),
	}))
	s.publish(ctx, report)
	return report, nil
}

func (s *auditService) publish(ctx context.Context, report domain.AuditReport) {
	if s.publisher == nil {
		return
	}
	id, err := s.publisher.PublishAuditReport(ctx, NewAuditReportMessage(report))
	if err != nil {
		s.logger(ctx, "audit.publish.failed", map[string]any{
			"runID": report.RunID,
			"error": err,
		})
		return
	}
	s.logger(ctx, "audit.published", map[string]any{
		"runID":     report.RunID,
		"messageID": id,
	})
}

// mergeOutcomes folds rule payloads in order and collects tags without
// duplicates, compared case-insensitively.
func mergeOutcomes(outcomes []domain.RuleOutcome) (domain.ProductUpdate, []string) {
	var update domain.ProductUpdate
	var tags []string
	seen := make(map[string]struct{})
	for _, outcome := range outcomes {
		update.Merge(outcome.Update)
		for _, tag := range outcome.Tags {
			tag = strings.TrimSpace(tag)
			key := strings.ToLower(tag)
			if tag == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return update, tags
}

func summarizeOutcomes(outcomes []domain.RuleOutcome) map[string]string {
	summary := make(map[string]string, len(outcomes))
	for _, outcome := range outcomes {
		summary[outcome.Rule] = string(outcome.Status)
	}
	return summary
}

func withFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
