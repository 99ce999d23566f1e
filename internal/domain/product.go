package domain

import (
	"strings"
	"time"
)

const (
	// CategoryMetafieldNamespace and CategoryMetafieldKey address the Google product category metafield.
	CategoryMetafieldNamespace = "google"
	CategoryMetafieldKey       = "google_product_category"
	// CategoryMetafieldType is the store value type for numeric taxonomy codes.
	CategoryMetafieldType = "number_integer"
	// MetafieldOwnerProduct marks metafields attached to the product resource.
	MetafieldOwnerProduct = "product"
)

// Product is the snapshot of a catalogue entry captured from one update event.
// Rules read it but never mutate it.
type Product struct {
	ID          int64
	ShopDomain  string
	Title       string
	Description *string
	Vendor      string
	Variants    []Variant
}

// DescriptionHTML returns the description body or an empty string when absent.
func (p Product) DescriptionHTML() string {
	if p.Description == nil {
		return ""
	}
	return *p.Description
}

// Variant is a purchasable configuration of a product.
type Variant struct {
	ID      int64
	Title   string
	Weight  float64
	Barcode string
	SKU     string
}

// HasBarcode reports whether the variant carries a non-blank barcode.
func (v Variant) HasBarcode() bool {
	return strings.TrimSpace(v.Barcode) != ""
}

// HasSKU reports whether the variant carries a non-blank SKU.
func (v Variant) HasSKU() bool {
	return strings.TrimSpace(v.SKU) != ""
}

// ProductUpdate accumulates the corrections staged by audit rules. Nil and empty
// members mean "leave unchanged".
type ProductUpdate struct {
	Description *string
	Variants    []VariantUpdate
	Metafields  []Metafield
}

// VariantUpdate carries per-variant corrections.
type VariantUpdate struct {
	ID  int64
	SKU string
}

// Metafield is a namespaced key/value attribute attached to a product.
type Metafield struct {
	Namespace     string
	Key           string
	Value         string
	Type          string
	OwnerResource string
	OwnerID       int64
}

// CategoryMetafield builds the product category metafield for the given code.
func CategoryMetafield(productID int64, code string) Metafield {
	return Metafield{
		Namespace:     CategoryMetafieldNamespace,
		Key:           CategoryMetafieldKey,
		Value:         code,
		Type:          CategoryMetafieldType,
		OwnerResource: MetafieldOwnerProduct,
		OwnerID:       productID,
	}
}

// IsEmpty reports whether the update would change nothing.
func (u ProductUpdate) IsEmpty() bool {
	return u.Description == nil && len(u.Variants) == 0 && len(u.Metafields) == 0
}

// Merge folds other into u. A staged description replaces the previous one,
// a non-empty variant list replaces the previous list, and metafields are
// keyed by namespace and key with later values winning.
func (u *ProductUpdate) Merge(other ProductUpdate) {
	if other.Description != nil {
		desc := *other.Description
		u.Description = &desc
	}
	if len(other.Variants) > 0 {
		u.Variants = append([]VariantUpdate(nil), other.Variants...)
	}
	for _, field := range other.Metafields {
		replaced := false
		for i := range u.Metafields {
			if u.Metafields[i].Namespace == field.Namespace && u.Metafields[i].Key == field.Key {
				u.Metafields[i] = field
				replaced = true
				break
			}
		}
		if !replaced {
			u.Metafields = append(u.Metafields, field)
		}
	}
}

// Fields lists the staged members, for logs and reports.
func (u ProductUpdate) Fields() []string {
	fields := make([]string, 0, 3)
	if u.Description != nil {
		fields = append(fields, "description")
	}
	if len(u.Variants) > 0 {
		fields = append(fields, "variants")
	}
	if len(u.Metafields) > 0 {
		fields = append(fields, "metafields")
	}
	return fields
}

// ShopCredential is the stored access token for one shop.
type ShopCredential struct {
	ShopDomain  string
	AccessToken string
	Scopes      []string
	InstalledAt time.Time
}

// NormalizeShopDomain lowercases a shop domain and strips scheme, path and whitespace.
func NormalizeShopDomain(raw string) string {
	domain := strings.ToLower(strings.TrimSpace(raw))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	if idx := strings.IndexByte(domain, '/'); idx >= 0 {
		domain = domain[:idx]
	}
	return domain
}
