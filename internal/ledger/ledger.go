// Package ledger defines the portfolio ledger the pipeline writes to, the
// account-type taxonomy used to map broker accounts onto portfolios, and an
// SQLite-backed implementation of both.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
)

// ErrSettingNotFound is returned by a ConfigLookup that has no setting for the id
var ErrSettingNotFound = stderrors.New("setting not found")

// TransactionRequest is a transaction to record
type TransactionRequest struct {
	PortfolioID string                 `json:"portfolio_id"`
	AssetID     string                 `json:"asset_id"`
	Symbol      string                 `json:"symbol"`
	Type        models.TransactionType `json:"type"`
	Quantity    decimal.Decimal        `json:"quantity"`
	Price       decimal.Decimal        `json:"price"`
	Fees        decimal.Decimal        `json:"fees"`
	TotalAmount decimal.Decimal        `json:"total_amount"`
	Currency    string                 `json:"currency"`
	Date        time.Time              `json:"date"`
	Meta        map[string]string      `json:"meta,omitempty"`
}

// Validate performs basic validation on the request
func (r *TransactionRequest) Validate() error {
	if r.PortfolioID == "" {
		return fmt.Errorf("portfolio id cannot be empty")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid transaction type: %s", r.Type)
	}
	if r.Type.IsTrade() && !r.Quantity.IsPositive() {
		return fmt.Errorf("trade quantity must be positive, got %s", r.Quantity)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	return nil
}

// RequestFromCandidate builds a ledger request from a parsed candidate
func RequestFromCandidate(c *models.Candidate, portfolioID, assetID string, ident models.EmailIdentification) TransactionRequest {
	meta := map[string]string{
		models.MetaTemplate: c.Template,
	}
	if ident.FingerprintHash != "" {
		meta[models.MetaFingerprint] = ident.FingerprintHash
	}
	if ident.SourceEmailID != "" {
		meta[models.MetaSourceEmailID] = ident.SourceEmailID
	}
	if c.OrderReference != "" {
		meta[models.MetaOrderReference] = c.OrderReference
	}
	if c.HasOrderQuantity() {
		meta[models.MetaOrderQuantity] = c.OrderQuantity.String()
	}

	currency := c.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return TransactionRequest{
		PortfolioID: portfolioID,
		AssetID:     assetID,
		Symbol:      c.Symbol(),
		Type:        c.TransactionType,
		Quantity:    c.Quantity,
		Price:       c.Price,
		Fees:        c.Fees,
		TotalAmount: c.TotalAmount,
		Currency:    currency,
		Date:        c.TransactionDate,
		Meta:        meta,
	}
}

// Ledger records transactions in portfolios
type Ledger interface {
	CreateTransaction(ctx context.Context, req TransactionRequest) (*models.LedgerTransaction, error)
	GetOrCreateAsset(ctx context.Context, symbol string, assetType models.AssetType) (*models.Asset, error)
	GetTransactions(ctx context.Context, portfolioID string) ([]*models.LedgerTransaction, error)
}

// PortfolioMapper maps a broker account label to a portfolio id
type PortfolioMapper interface {
	GetOrCreatePortfolio(ctx context.Context, accountTypeRaw string) (string, error)
}

// ConfigLookup reads per-configuration settings
type ConfigLookup interface {
	GetAutoInsertSetting(ctx context.Context, configID string) (bool, error)
}

// StaticConfigLookup serves auto-insert settings from a map
type StaticConfigLookup map[string]bool

// GetAutoInsertSetting implements ConfigLookup
func (s StaticConfigLookup) GetAutoInsertSetting(_ context.Context, configID string) (bool, error) {
	enabled, ok := s[configID]
	if !ok {
		return false, ErrSettingNotFound
	}
	return enabled, nil
}

// ConfigLookupFunc adapts a function to ConfigLookup
type ConfigLookupFunc func(ctx context.Context, configID string) (bool, error)

// GetAutoInsertSetting implements ConfigLookup
func (f ConfigLookupFunc) GetAutoInsertSetting(ctx context.Context, configID string) (bool, error) {
	return f(ctx, configID)
}
