package shopify

import domain "github.com/listing-auditor/api/internal/domain"

type productEnvelope struct {
	Product productBody `json:"product"`
}

// productBody is sparse: omitted members leave the remote fields untouched.
type productBody struct {
	ID         int64           `json:"id"`
	BodyHTML   *string         `json:"body_html,omitempty"`
	Tags       *string         `json:"tags,omitempty"`
	Variants   []variantBody   `json:"variants,omitempty"`
	Metafields []metafieldBody `json:"metafields,omitempty"`
}

type variantBody struct {
	ID  int64  `json:"id"`
	SKU string `json:"sku,omitempty"`
}

type metafieldBody struct {
	Namespace     string `json:"namespace"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	Type          string `json:"type"`
	OwnerResource string `json:"owner_resource,omitempty"`
	OwnerID       int64  `json:"owner_id,omitempty"`
}

type tagsEnvelope struct {
	Product struct {
		ID   int64  `json:"id"`
		Tags string `json:"tags"`
	} `json:"product"`
}

type shopEnvelope struct {
	Shop struct {
		Name   string `json:"name"`
		Domain string `json:"domain"`
	} `json:"shop"`
}

func updateBody(productID int64, update domain.ProductUpdate) productBody {
	body := productBody{ID: productID, BodyHTML: update.Description}
	for _, v := range update.Variants {
		body.Variants = append(body.Variants, variantBody{ID: v.ID, SKU: v.SKU})
	}
	for _, m := range update.Metafields {
		body.Metafields = append(body.Metafields, metafieldBody{
			Namespace:     m.Namespace,
			Key:           m.Key,
			Value:         m.Value,
			Type:          m.Type,
			OwnerResource: m.OwnerResource,
			OwnerID:       m.OwnerID,
		})
	}
	return body
}
