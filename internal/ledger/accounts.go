package ledger

import (
	"context"
	"strings"
	"unicode"

	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// DefaultCurrency is the currency of auto-created portfolios
const DefaultCurrency = "CAD"

// AccountType is a Canadian brokerage account type
type AccountType string

const (
	AccountTFSA   AccountType = "TFSA"
	AccountRRSP   AccountType = "RRSP"
	AccountMargin AccountType = "Margin"
	AccountCash   AccountType = "Cash"
	AccountLIRA   AccountType = "LIRA"
	AccountRRIF   AccountType = "RRIF"
	AccountRESP   AccountType = "RESP"
)

// AccountTypeInfo describes how an account type maps onto a portfolio
type AccountTypeInfo struct {
	Type        AccountType
	DefaultName string
	Currency    string
	// AutoCreate allows creating the portfolio the first time an email mentions it.
	// Locked-in and income accounts are set up by hand.
	AutoCreate bool
	aliases    []string
}

var accountTypes = []AccountTypeInfo{
	{Type: AccountTFSA, DefaultName: "TFSA", Currency: DefaultCurrency, AutoCreate: true,
		aliases: []string{"TFSA", "TAXFREESAVINGSACCOUNT", "TAXFREESAVINGS"}},
	{Type: AccountRRSP, DefaultName: "RRSP", Currency: DefaultCurrency, AutoCreate: true,
		aliases: []string{"RRSP", "RSP", "REGISTEREDRETIREMENTSAVINGSPLAN"}},
	{Type: AccountMargin, DefaultName: "Margin", Currency: DefaultCurrency, AutoCreate: true,
		aliases: []string{"MARGIN", "INDIVIDUALMARGIN", "MARGINACCOUNT"}},
	{Type: AccountCash, DefaultName: "Cash", Currency: DefaultCurrency, AutoCreate: true,
		aliases: []string{"CASH", "NONREGISTERED", "PERSONAL", "INDIVIDUAL", "CASHACCOUNT"}},
	{Type: AccountLIRA, DefaultName: "LIRA", Currency: DefaultCurrency, AutoCreate: false,
		aliases: []string{"LIRA", "LOCKEDINRETIREMENTACCOUNT"}},
	{Type: AccountRRIF, DefaultName: "RRIF", Currency: DefaultCurrency, AutoCreate: false,
		aliases: []string{"RRIF", "RIF", "REGISTEREDRETIREMENTINCOMEFUND"}},
	{Type: AccountRESP, DefaultName: "RESP", Currency: DefaultCurrency, AutoCreate: true,
		aliases: []string{"RESP", "REGISTEREDEDUCATIONSAVINGSPLAN"}},
}

// AccountTypes returns the known account types
func AccountTypes() []AccountTypeInfo {
	return append([]AccountTypeInfo(nil), accountTypes...)
}

// ParseAccountType maps a broker account label such as "TFSA", "tfsa" or
// "Individual Margin" onto a known account type.
func ParseAccountType(raw string) (AccountTypeInfo, bool) {
	key := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, raw)
	if key == "" {
		return AccountTypeInfo{}, false
	}
	for _, info := range accountTypes {
		for _, alias := range info.aliases {
			if key == alias {
				return info, true
			}
		}
	}
	return AccountTypeInfo{}, false
}

// PortfolioStore finds and creates portfolios for account types
type PortfolioStore interface {
	FindPortfolio(ctx context.Context, accountType AccountType) (string, bool, error)
	CreatePortfolio(ctx context.Context, name string, accountType AccountType, currency string) (string, error)
}

// AccountMapper implements PortfolioMapper over the account-type taxonomy
type AccountMapper struct {
	store  PortfolioStore
	logger logger.Logger
}

// NewAccountMapper creates a mapper over store
func NewAccountMapper(store PortfolioStore, log logger.Logger) *AccountMapper {
	return &AccountMapper{store: store, logger: logger.OrNop(log).WithComponent("portfolio-mapper")}
}

// GetOrCreatePortfolio returns the portfolio for the account label, creating
// it when the account type allows it.
func (m *AccountMapper) GetOrCreatePortfolio(ctx context.Context, accountTypeRaw string) (string, error) {
	info, ok := ParseAccountType(accountTypeRaw)
	if !ok {
		return "", errors.LedgerWriteError(errors.CodePortfolioUnmapped, accountTypeRaw, nil)
	}

	id, found, err := m.store.FindPortfolio(ctx, info.Type)
	if err != nil {
		return "", errors.LedgerWriteError(errors.CodeLedgerWriteFailed, string(info.Type), err)
	}
	if found {
		return id, nil
	}
	if !info.AutoCreate {
		return "", errors.LedgerWriteError(errors.CodePortfolioUnmapped, accountTypeRaw, nil).
			WithSuggestion("create the " + string(info.Type) + " portfolio by hand; it is never auto-created")
	}

	id, err = m.store.CreatePortfolio(ctx, info.DefaultName, info.Type, info.Currency)
	if err != nil {
		return "", errors.LedgerWriteError(errors.CodeLedgerWriteFailed, string(info.Type), err)
	}
	m.logger.WithFields(logger.Fields{
		"portfolio_id": id,
		"account_type": string(info.Type),
	}).Info("Created portfolio for account type")
	return id, nil
}
