package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the typed business data carried by an operation.
type Payload interface {
	Entity() Entity
	Validate() error
	// NaturalKey returns the business key that must be unique among active
	// records, or "" when the entity has none.
	NaturalKey() string
}

type ProductPayload struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
	Stock      int64  `json:"stock"`
}

func (p *ProductPayload) Entity() Entity { return EntityProduct }

func (p *ProductPayload) Validate() error {
	if strings.TrimSpace(p.SKU) == "" {
		return &ValidationError{Field: "sku", Reason: "required"}
	}
	if p.PriceCents < 0 {
		return &ValidationError{Field: "priceCents", Reason: "must not be negative"}
	}
	return nil
}

func (p *ProductPayload) NaturalKey() string { return p.SKU }

const (
	TableSessionOpen   = "open"
	TableSessionClosed = "closed"
)

type TableSessionPayload struct {
	TableID string `json:"tableId"`
	Status  string `json:"status"`
	Guests  int    `json:"guests"`
}

func (p *TableSessionPayload) Entity() Entity { return EntityTableSession }

func (p *TableSessionPayload) Validate() error {
	if strings.TrimSpace(p.TableID) == "" {
		return &ValidationError{Field: "tableId", Reason: "required"}
	}
	switch p.Status {
	case TableSessionOpen, TableSessionClosed:
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	if p.Guests < 0 {
		return &ValidationError{Field: "guests", Reason: "must not be negative"}
	}
	return nil
}

// NaturalKey is the table id while the session is open; closed sessions do
// not occupy the table.
func (p *TableSessionPayload) NaturalKey() string {
	if p.Status != TableSessionOpen {
		return ""
	}
	return p.TableID
}

type SalePayload struct {
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	TotalCents int64  `json:"totalCents"`
}

func (p *SalePayload) Entity() Entity { return EntitySale }

func (p *SalePayload) Validate() error {
	if p.ProductID == "" {
		return &ValidationError{Field: "productId", Reason: "required"}
	}
	if p.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if p.TotalCents < 0 {
		return &ValidationError{Field: "totalCents", Reason: "must not be negative"}
	}
	return nil
}

func (p *SalePayload) NaturalKey() string { return "" }

type StockAdjustmentPayload struct {
	ProductID string `json:"productId"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

func (p *StockAdjustmentPayload) Entity() Entity { return EntityStockAdjustment }

func (p *StockAdjustmentPayload) Validate() error {
	if p.ProductID == "" {
		return &ValidationError{Field: "productId", Reason: "required"}
	}
	if p.Delta == 0 {
		return &ValidationError{Field: "delta", Reason: "must not be zero"}
	}
	return nil
}

func (p *StockAdjustmentPayload) NaturalKey() string { return "" }

func newPayload(e Entity) (Payload, error) {
	switch e {
	case EntityProduct:
		return &ProductPayload{}, nil
	case EntityTableSession:
		return &TableSessionPayload{}, nil
	case EntitySale:
		return &SalePayload{}, nil
	case EntityStockAdjustment:
		return &StockAdjustmentPayload{}, nil
	default:
		return nil, &ValidationError{Field: "entity", Reason: fmt.Sprintf("unknown entity %q", e)}
	}
}

// DecodePayload strictly decodes raw into the payload type of entity and validates it.
func DecodePayload(e Entity, raw json.RawMessage) (Payload, error) {
	p, err := newPayload(e)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "required"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Entity(), err)
	}
	return b, nil
}
