package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/logger"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	account_type TEXT NOT NULL UNIQUE,
	currency TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL UNIQUE,
	asset_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	portfolio_id TEXT NOT NULL REFERENCES portfolios(id),
	asset_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	type TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	fees TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	date INTEGER NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_symbol_date ON transactions(symbol, date);
CREATE INDEX IF NOT EXISTS idx_transactions_portfolio ON transactions(portfolio_id, date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_fingerprint ON transactions(fingerprint) WHERE fingerprint <> '';
`

const transactionColumns = `id, portfolio_id, asset_id, symbol, type, quantity, price, fees, total_amount, currency, date, meta, created_at`

// SQLiteLedger is a portfolio ledger in an SQLite database. It can share
// the database handle of storage.SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

// NewSQLiteLedger creates the ledger tables on db
func NewSQLiteLedger(db *sql.DB, log logger.Logger) (*SQLiteLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger database is required")
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db, logger: logger.OrNop(log).WithComponent("ledger"), now: time.Now}, nil
}

// CreateTransaction records a transaction. A request carrying a fingerprint
// that is already recorded returns the existing transaction.
func (l *SQLiteLedger) CreateTransaction(ctx context.Context, req TransactionRequest) (*models.LedgerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx := &models.LedgerTransaction{
		ID:          uuid.NewString(),
		PortfolioID: req.PortfolioID,
		AssetID:     req.AssetID,
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       req.Price,
		Fees:        req.Fees,
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
		Date:        req.Date.UTC(),
		Meta:        req.Meta,
		CreatedAt:   l.now().UTC(),
	}
	meta, err := json.Marshal(tx.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode transaction meta: %w", err)
	}

	result, err := l.db.ExecContext(ctx, `
INSERT OR IGNORE INTO transactions (`+transactionColumns+`, fingerprint)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.PortfolioID, tx.AssetID, tx.Symbol, string(tx.Type),
		tx.Quantity.String(), tx.Price.String(), tx.Fees.String(), tx.TotalAmount.String(),
		tx.Currency, tx.Date.UnixMilli(), string(meta), tx.CreatedAt.UnixMilli(), tx.Fingerprint())
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	} else if n == 0 {
		existing, err := l.byFingerprint(ctx, tx.Fingerprint())
		if err != nil {
			return nil, err
		}
		l.logger.WithField("transaction_id", existing.ID).Debug("Transaction for fingerprint already recorded")
		return existing, nil
	}

	l.logger.WithFields(logger.Fields{
		"transaction_id": tx.ID,
		"portfolio_id":   tx.PortfolioID,
		"symbol":         tx.Symbol,
		"type":           string(tx.Type),
		"quantity":       tx.Quantity.String(),
	}).Info("Recorded transaction")
	return tx, nil
}

// GetOrCreateAsset returns the asset for symbol, creating it on first use
func (l *SQLiteLedger) GetOrCreateAsset(ctx context.Context, symbol string, assetType models.AssetType) (*models.Asset, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("asset symbol cannot be empty")
	}
	if assetType == "" {
		assetType = models.AssetTypeUnknown
	}

	if _, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assets (id, symbol, asset_type) VALUES (?, ?, ?)`,
		uuid.NewString(), symbol, string(assetType)); err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}

	var asset models.Asset
	var kind string
	if err := l.db.QueryRowContext(ctx,
		`SELECT id, symbol, asset_type FROM assets WHERE symbol = ?`, symbol).Scan(&asset.ID, &asset.Symbol, &kind); err != nil {
		return nil, fmt.Errorf("load asset %s: %w", symbol, err)
	}
	asset.AssetType = models.AssetType(kind)
	return &asset, nil
}

// GetTransactions returns every transaction in a portfolio, oldest first
func (l *SQLiteLedger) GetTransactions(ctx context.Context, portfolioID string) ([]*models.LedgerTransaction, error) {
	return l.query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE portfolio_id = ? ORDER BY date, created_at, rowid`, portfolioID)
}

// RecentTransactions returns transactions in symbol dated within [from, to],
// oldest first. An empty portfolioID searches every portfolio.
func (l *SQLiteLedger) RecentTransactions(ctx context.Context, portfolioID, symbol string, from, to time.Time, limit int) ([]*models.LedgerTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE symbol = ? AND date BETWEEN ? AND ?`
	args := []interface{}{strings.ToUpper(strings.TrimSpace(symbol)), from.UTC().UnixMilli(), to.UTC().UnixMilli()}
	if portfolioID != "" {
		query += ` AND portfolio_id = ?`
		args = append(args, portfolioID)
	}
	query += ` ORDER BY date, created_at, rowid`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return l.query(ctx, query, args...)
}

// LookupFingerprint reports whether a transaction was recorded for the email
func (l *SQLiteLedger) LookupFingerprint(ctx context.Context, fingerprint string) (string, bool, error) {
	if fingerprint == "" {
		return "", false, nil
	}
	tx, err := l.byFingerprint(ctx, fingerprint)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tx.ID, true, nil
}

// FindPortfolio implements PortfolioStore
func (l *SQLiteLedger) FindPortfolio(ctx context.Context, accountType AccountType) (string, bool, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `SELECT id FROM portfolios WHERE account_type = ?`, string(accountType)).Scan(&id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find portfolio: %w", err)
	}
	return id, true, nil
}

// CreatePortfolio implements PortfolioStore. Creating an account type that
// already has a portfolio returns the existing one.
func (l *SQLiteLedger) CreatePortfolio(ctx context.Context, name string, accountType AccountType, currency string) (string, error) {
	if _, err := l.db.ExecContext(ctx, `
INSERT OR IGNORE INTO portfolios (id, name, account_type, currency, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), name, string(accountType), currency, l.now().UTC().UnixMilli()); err != nil {
		return "", fmt.Errorf("create portfolio: %w", err)
	}
	id, found, err := l.FindPortfolio(ctx, accountType)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("portfolio for %s missing after create", accountType)
	}
	return id, nil
}

// Portfolio is a ledger portfolio
type Portfolio struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	AccountType AccountType `json:"account_type"`
	Currency    string      `json:"currency"`
}

// Portfolios lists every portfolio by account type
func (l *SQLiteLedger) Portfolios(ctx context.Context) ([]Portfolio, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, name, account_type, currency FROM portfolios ORDER BY account_type`)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	defer rows.Close()

	var portfolios []Portfolio
	for rows.Next() {
		var p Portfolio
		var accountType string
		if err := rows.Scan(&p.ID, &p.Name, &accountType, &p.Currency); err != nil {
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		p.AccountType = AccountType(accountType)
		portfolios = append(portfolios, p)
	}
	return portfolios, rows.Err()
}

func (l *SQLiteLedger) byFingerprint(ctx context.Context, fingerprint string) (*models.LedgerTransaction, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE fingerprint = ?`, fingerprint)
	return scanTransaction(row)
}

func (l *SQLiteLedger) query(ctx context.Context, query string, args ...interface{}) ([]*models.LedgerTransaction, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.LedgerTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	return txs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*models.LedgerTransaction, error) {
	var tx models.LedgerTransaction
	var kind, qty, price, fees, total, meta string
	var date, created int64
	if err := row.Scan(&tx.ID, &tx.PortfolioID, &tx.AssetID, &tx.Symbol, &kind,
		&qty, &price, &fees, &total, &tx.Currency, &date, &meta, &created); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	tx.Type = models.TransactionType(kind)
	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{{&tx.Quantity, qty}, {&tx.Price, price}, {&tx.Fees, fees}, {&tx.TotalAmount, total}} {
		d, err := decimal.NewFromString(field.src)
		if err != nil {
			return nil, fmt.Errorf("transaction %s has invalid amount %q: %w", tx.ID, field.src, err)
		}
		*field.dst = d
	}
	if err := json.Unmarshal([]byte(meta), &tx.Meta); err != nil {
		return nil, fmt.Errorf("transaction %s has invalid meta: %w", tx.ID, err)
	}
	tx.Date = time.UnixMilli(date).UTC()
	tx.CreatedAt = time.UnixMilli(created).UTC()
	return &tx, nil
}
