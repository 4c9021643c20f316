package matcher

import (
	"sort"
	"strings"
	"time"

	"golang-email-ingestion-service/internal/models"
)

// HistoryIndex provides efficient lookups over recorded ledger transactions
type HistoryIndex struct {
	// SymbolIndex maps symbols to transactions sorted by date
	SymbolIndex map[string][]*models.LedgerTransaction

	// FingerprintIndex maps email fingerprints to transactions
	FingerprintIndex map[string]*models.LedgerTransaction

	// OrderIndex maps "SYMBOL/order-reference" to the fills of one order
	OrderIndex map[string][]*models.LedgerTransaction

	// AllTransactions holds all indexed transactions
	AllTransactions []*models.LedgerTransaction
}

// NewHistoryIndex creates a new index from a slice of ledger transactions
func NewHistoryIndex(transactions []*models.LedgerTransaction) *HistoryIndex {
	index := &HistoryIndex{
		SymbolIndex:      make(map[string][]*models.LedgerTransaction),
		FingerprintIndex: make(map[string]*models.LedgerTransaction),
		OrderIndex:       make(map[string][]*models.LedgerTransaction),
	}

	for _, tx := range transactions {
		index.AddTransaction(tx)
	}
	return index
}

// AddTransaction adds a transaction to every index
func (hi *HistoryIndex) AddTransaction(tx *models.LedgerTransaction) {
	if tx == nil {
		return
	}
	hi.AllTransactions = append(hi.AllTransactions, tx)

	symbol := symbolKey(tx.Symbol)
	list := append(hi.SymbolIndex[symbol], tx)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Date.Before(list[j].Date)
	})
	hi.SymbolIndex[symbol] = list

	if fp := tx.Fingerprint(); fp != "" {
		if _, exists := hi.FingerprintIndex[fp]; !exists {
			hi.FingerprintIndex[fp] = tx
		}
	}

	if ref := tx.OrderReference(); ref != "" {
		key := orderKey(tx.Symbol, ref)
		hi.OrderIndex[key] = append(hi.OrderIndex[key], tx)
	}
}

// GetBySymbol returns transactions for the symbol ordered by date
func (hi *HistoryIndex) GetBySymbol(symbol string) []*models.LedgerTransaction {
	return hi.SymbolIndex[symbolKey(symbol)]
}

// GetByFingerprint returns the transaction recorded for an email fingerprint
func (hi *HistoryIndex) GetByFingerprint(fingerprint string) (*models.LedgerTransaction, bool) {
	tx, ok := hi.FingerprintIndex[fingerprint]
	return tx, ok
}

// GetByOrder returns the recorded fills of one broker order
func (hi *HistoryIndex) GetByOrder(symbol, reference string) []*models.LedgerTransaction {
	if reference == "" {
		return nil
	}
	return hi.OrderIndex[orderKey(symbol, reference)]
}

// GetInWindow returns same-symbol transactions within window of at, ordered by date
func (hi *HistoryIndex) GetInWindow(symbol string, at time.Time, window time.Duration) []*models.LedgerTransaction {
	list := hi.SymbolIndex[symbolKey(symbol)]
	from, to := at.Add(-window), at.Add(window)

	start := sort.Search(len(list), func(i int) bool {
		return !list[i].Date.Before(from)
	})

	var result []*models.LedgerTransaction
	for i := start; i < len(list); i++ {
		if list[i].Date.After(to) {
			break
		}
		result = append(result, list[i])
	}
	return result
}

// GetIndexStats returns statistics about the index
func (hi *HistoryIndex) GetIndexStats() IndexStats {
	return IndexStats{
		TotalTransactions: len(hi.AllTransactions),
		UniqueSymbols:     len(hi.SymbolIndex),
		Fingerprints:      len(hi.FingerprintIndex),
		Orders:            len(hi.OrderIndex),
	}
}

// IndexStats provides statistics about index contents
type IndexStats struct {
	TotalTransactions int
	UniqueSymbols     int
	Fingerprints      int
	Orders            int
}

func symbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func orderKey(symbol, reference string) string {
	return symbolKey(symbol) + "/" + strings.ToUpper(strings.TrimSpace(reference))
}
