package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode/utf8"

	domain "github.com/listing-auditor/api/internal/domain"
	"github.com/listing-auditor/api/internal/platform/textutil"
)

// Rule names as they appear in reports and logs, in evaluation order.
const (
	RuleDescriptionSanitation  = "description_sanitation"
	RuleDescriptionQuality     = "description_quality"
	RuleCategoryClassification = "category_classification"
	RuleVariantWeight          = "variant_weight"
	RuleVariantIdentifier      = "variant_identifier"
)

// Diagnostic tags written to products.
const (
	TagMissingWeight      = "Validation-Error: Missing Weight"
	TagMissingGTIN        = "Validation-Error: Missing GTIN"
	TagAINoCredits        = "AI-Error: No Credits"
	TagAIInvalidKey       = "AI-Error: Invalid API Key"
	TagAIGenerationFailed = "AI-Error: Generation Failed"
)

const (
	defaultMinDescriptionLength = 10
	defaultSKUPrefix            = "CUST"
	skuSuffixMin                = 1000
	skuSuffixSpan               = 9000
	maxSKUDraws                 = 64
)

// AuditRuleSettings tunes the rule set.
type AuditRuleSettings struct {
	MinDescriptionLength int
	KnownBrands          []string
	ClassifyCategory     bool
	SKUPrefix            string
}

type ruleSet struct {
	generator   ContentGenerator
	classify    func(error) domain.FailureKind
	random      func(n int) int
	logger      func(context.Context, string, map[string]any)
	minLength   int
	knownBrands map[string]struct{}
	categorize  bool
	skuPrefix   string
}

// auditState is threaded through the rules of one audit. description is the
// text later rules should see after earlier rewrites; measured is what the
// length check counts, which excludes markup added by sanitation.
type auditState struct {
	product     domain.Product
	description string
	measured    string
}

func newRuleSet(settings AuditRuleSettings, generator ContentGenerator, classify func(error) domain.FailureKind, random func(int) int, logger func(context.Context, string, map[string]any)) *ruleSet {
	minLength := settings.MinDescriptionLength
	if minLength <= 0 {
		minLength = defaultMinDescriptionLength
	}
	prefix := strings.ToUpper(strings.TrimSpace(settings.SKUPrefix))
	if prefix == "" {
		prefix = defaultSKUPrefix
	}
	if classify == nil {
		classify = func(error) domain.FailureKind { return domain.FailureKindOther }
	}
	if random == nil {
		random = rand.IntN
	}
	return &ruleSet{
		generator:   generator,
		classify:    classify,
		random:      random,
		logger:      logger,
		minLength:   minLength,
		knownBrands: textutil.LookupSet(settings.KnownBrands),
		categorize:  settings.ClassifyCategory,
		skuPrefix:   prefix,
	}
}

// evaluate runs every rule in order. No rule short-circuits another.
func (r *ruleSet) evaluate(ctx context.Context, product domain.Product) []domain.RuleOutcome {
	description := product.DescriptionHTML()
	state := &auditState{product: product, description: description, measured: description}
	return []domain.RuleOutcome{
		r.sanitizeDescription(state),
		r.checkDescriptionQuality(ctx, state),
		r.classifyCategory(ctx, state),
		r.checkVariantWeight(state),
		r.checkVariantIdentifier(state),
	}
}

func (r *ruleSet) sanitizeDescription(state *auditState) domain.RuleOutcome {
	if !textutil.NeedsSanitizing(state.description) {
		return domain.Skipped(RuleDescriptionSanitation, "description is clean")
	}
	cleaned := textutil.NormalizeDescription(state.description)
	if cleaned == state.description {
		return domain.Skipped(RuleDescriptionSanitation, "description unchanged after normalisation")
	}
	state.description = cleaned
	state.measured = textutil.CleanDescription(state.measured)
	return domain.Applied(RuleDescriptionSanitation, domain.ProductUpdate{Description: &cleaned})
}

func (r *ruleSet) checkDescriptionQuality(ctx context.Context, state *auditState) domain.RuleOutcome {
	length := utf8.RuneCountInString(strings.TrimSpace(state.measured))
	if length >= r.minLength {
		return domain.Skipped(RuleDescriptionQuality, "description meets minimum length")
	}
	if r.generator == nil {
		return domain.Failed(RuleDescriptionQuality, domain.FailureKindInvalidCredential, "content generator not configured", TagAIInvalidKey)
	}

	generated, err := r.generator.GenerateDescription(ctx, state.product.Title)
	if err == nil && strings.TrimSpace(generated) == "" {
		err = errors.New("generator returned an empty description")
	}
	if err != nil {
		kind := r.classify(err)
		fields := map[string]any{
			"productID": state.product.ID,
			"kind":      string(kind),
			"error":     err,
		}
		if kind == domain.FailureKindQuotaExhausted {
			fields["hint"] = "content generator credits exhausted; check billing for the API account"
		}
		r.logger(ctx, "audit.description.generate.failed", fields)
		return domain.Failed(RuleDescriptionQuality, kind, err.Error(), generationFailureTag(kind))
	}

	state.description = generated
	state.measured = generated
	return domain.Applied(RuleDescriptionQuality, domain.ProductUpdate{Description: &generated})
}

func generationFailureTag(kind domain.FailureKind) string {
	switch kind {
	case domain.FailureKindQuotaExhausted:
		return TagAINoCredits
	case domain.FailureKindInvalidCredential:
		return TagAIInvalidKey
	default:
		return TagAIGenerationFailed
	}
}

// classifyCategory degrades to Skipped on every failure; a missing category
// is not worth a diagnostic tag.
func (r *ruleSet) classifyCategory(ctx context.Context, state *auditState) domain.RuleOutcome {
	switch {
	case !r.categorize:
		return domain.Skipped(RuleCategoryClassification, "classification disabled")
	case r.generator == nil:
		return domain.Skipped(RuleCategoryClassification, "content generator not configured")
	case strings.TrimSpace(state.product.Title) == "":
		return domain.Skipped(RuleCategoryClassification, "product has no title")
	}

	code, err := r.generator.ClassifyCategory(ctx, state.product.Title, state.description)
	if err != nil {
		r.logger(ctx, "audit.category.skipped", map[string]any{
			"productID": state.product.ID,
			"error":     err,
		})
		return domain.Skipped(RuleCategoryClassification, err.Error())
	}
	code = strings.TrimSpace(code)
	if !isDigits(code) {
		return domain.Skipped(RuleCategoryClassification, fmt.Sprintf("non-numeric classification %q", code))
	}
	return domain.Applied(RuleCategoryClassification, domain.ProductUpdate{
		Metafields: []domain.Metafield{domain.CategoryMetafield(state.product.ID, code)},
	})
}

func (r *ruleSet) checkVariantWeight(state *auditState) domain.RuleOutcome {
	for _, variant := range state.product.Variants {
		if variant.Weight == 0 {
			return domain.Applied(RuleVariantWeight, domain.ProductUpdate{}, TagMissingWeight)
		}
	}
	return domain.Skipped(RuleVariantWeight, "all variants have a weight")
}

func (r *ruleSet) checkVariantIdentifier(state *auditState) domain.RuleOutcome {
	product := state.product
	missingBarcode := false
	for _, variant := range product.Variants {
		if !variant.HasBarcode() {
			missingBarcode = true
			break
		}
	}
	if !missingBarcode {
		return domain.Skipped(RuleVariantIdentifier, "all variants have a barcode")
	}

	if _, known := r.knownBrands[strings.ToLower(strings.TrimSpace(product.Vendor))]; known {
		return domain.Applied(RuleVariantIdentifier, domain.ProductUpdate{}, TagMissingGTIN)
	}

	used := make(map[string]struct{}, len(product.Variants))
	for _, variant := range product.Variants {
		if variant.HasSKU() {
			used[strings.ToUpper(strings.TrimSpace(variant.SKU))] = struct{}{}
		}
	}

	prefix := r.skuPrefix + "-" + vendorCode(product.Vendor) + "-"
	variants := make([]domain.VariantUpdate, 0, len(product.Variants))
	generated := 0
	for _, variant := range product.Variants {
		sku := variant.SKU
		if !variant.HasBarcode() && !variant.HasSKU() {
			sku = r.drawSKU(prefix, used)
			generated++
		}
		variants = append(variants, domain.VariantUpdate{ID: variant.ID, SKU: sku})
	}
	if generated == 0 {
		return domain.Skipped(RuleVariantIdentifier, "variants without barcode already carry a SKU")
	}
	return domain.Applied(RuleVariantIdentifier, domain.ProductUpdate{Variants: variants})
}

// drawSKU picks an unused suffix. After maxSKUDraws collisions the last draw
// is kept.
func (r *ruleSet) drawSKU(prefix string, used map[string]struct{}) string {
	var sku string
	for attempt := 0; attempt < maxSKUDraws; attempt++ {
		sku = fmt.Sprintf("%s%04d", prefix, skuSuffixMin+r.random(skuSuffixSpan))
		if _, taken := used[sku]; !taken {
			break
		}
	}
	used[sku] = struct{}{}
	return sku
}

// vendorCode is the first three ASCII letters of vendor, upper-cased and
// padded with X.
func vendorCode(vendor string) string {
	code := make([]byte, 0, 3)
	for i := 0; i < len(vendor) && len(code) < 3; i++ {
		c := vendor[i]
		switch {
		case c >= 'a' && c <= 'z':
			code = append(code, c-'a'+'A')
		case c >= 'A' && c <= 'Z':
			code = append(code, c)
		}
	}
	for len(code) < 3 {
		code = append(code, 'X')
	}
	return string(code)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
