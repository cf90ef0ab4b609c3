package ledgersync

import (
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
)

// DefaultCategory is the ledger category for crypto invoice receipts.
const DefaultCategory = "crypto_receivable"

// Mapping is the ledger classification of one invoice.
type Mapping struct {
	Entity     string
	Category   string
	Confidence decimal.Decimal
}

// Mapper classifies an invoice for the ledger.
type Mapper interface {
	Map(inv *model.Invoice) Mapping
}

// StaticMapper maps tenants to ledger entities from a fixed table.
type StaticMapper struct {
	Entities      map[string]string
	DefaultEntity string
	Category      string
}

func (m StaticMapper) Map(inv *model.Invoice) Mapping {
	entity, ok := m.Entities[inv.TenantID]
	if !ok {
		entity = m.DefaultEntity
	}
	if entity == "" {
		entity = inv.TenantID
	}
	category := m.Category
	if category == "" {
		category = DefaultCategory
	}
	return Mapping{Entity: entity, Category: category, Confidence: decimal.NewFromInt(1)}
}
