package parsers

import (
	"regexp"
	"strings"
)

// extraction holds the raw field text a template found in an email body.
// Numbers stay unparsed until build so each field can report its own error.
type extraction struct {
	action   string
	quantity string
	security string
	price    string
	total    string
	fees     string
	currency string
	date     string
	account  string
	orderRef string
	orderQty string
	// line is the text the trade was found in
	line string
}

const money = `((?:USD|CAD|US|CA|C)?\s?\$?\s?[\d,]+(?:\.\d+)?)`

// Fields printed with a label by every broker
var (
	totalPattern    = regexp.MustCompile(`(?i)\b(?:total(?: cost| proceeds| value| amount)?|net amount)\s*[:\-]?\s*` + money)
	feesPattern     = regexp.MustCompile(`(?i)\b(?:commissions?|fees?)\s*[:\-]?\s*` + money)
	datePattern     = regexp.MustCompile(`(?i)\b(?:trade date|execution (?:date|time)|filled on|executed on|date)\s*[:\-]?\s*((?:[A-Z][a-z]+\.? \d{1,2}, \d{4}(?: \d{1,2}:\d{2} [AP]M)?)|\d{4}-\d{2}-\d{2}(?: \d{2}:\d{2}(?::\d{2})?)?|\d{2}/\d{2}/\d{4})`)
	currencyPattern = regexp.MustCompile(`\b(USD|CAD)\b|(US\$|CA\$|C\$)`)
	orderRefPattern = regexp.MustCompile(`(?i)\border\s*(?:id|number|no\.?|#|reference|ref)\s*[:#]?\s*([A-Z0-9][A-Z0-9\-]{3,})`)
	fillPattern     = regexp.MustCompile(`(?i)\bfilled\s+([\d,]+(?:\.\d+)?)\s+of\s+([\d,]+(?:\.\d+)?)\b`)
	quotePrefix     = regexp.MustCompile(`(?m)^[ \t]*(?:>[ \t]?)+`)
)

// Wealthsimple sentence templates
var (
	wsTrade    = regexp.MustCompile(`(?i)\b(?:you|we) (bought|sold|purchased)\s+([\d,]+(?:\.\d+)?)\s+(?:shares?|units?)\s+of\s+(.+?)\s+(?:at|for)\s+(?:an average price of\s+)?((?:US|CA|C)?\$\s?[\d,]+(?:\.\d+)?)`)
	wsCompact  = regexp.MustCompile(`(?i)\b(bought|sold|purchased)\s+([\d,]+(?:\.\d+)?)\s+([A-Z][A-Z0-9]{0,5}(?:[.\-][A-Z0-9]{1,3})?)\s+@\s*((?:US|CA|C)?\$\s?[\d,]+(?:\.\d+)?)`)
	wsDividend = regexp.MustCompile(`(?i)\byou received (?:a )?((?:US|CA|C)?\$\s?[\d,]+(?:\.\d+)?) dividend from\s+(.+?)(?:\s+in your\b|[.\n]|$)`)
	wsExpired  = regexp.MustCompile(`(?i)\byour\s+([\d,]+)\s+(.+?)\s+option contracts?\s+(?:has |have )?expired`)
	wsAccount  = regexp.MustCompile(`(?i)\b(?:in|from|to) your\s+(?:personal\s+|joint\s+)?(TFSA|RRSP|RESP|LIRA|RRIF|FHSA|margin|cash|non-registered)\b`)
)

// Questrade prints one "Label: value" pair per line
var qtField = regexp.MustCompile(`(?im)^[ \t]*(action|side|symbol|security|description|filled quantity|order quantity|quantity|average price|price|commission|fees?|net amount|total|account type|account|order (?:#|number|id)|trade date|currency)[ \t]*[:#][ \t]*(.+?)[ \t]*$`)

// Interactive Brokers execution notifications
var (
	ibTrade    = regexp.MustCompile(`(?i)\b(BOUGHT|SOLD)\s+([\d,]+(?:\.\d+)?)\s+(\S+(?:\s+\S+)*?)\s+@\s+([\d,]+(?:\.\d+)?)`)
	ibAccount  = regexp.MustCompile(`(?i)\baccount\s*[:#]?\s*U\d+(?:\s*\(([A-Za-z][A-Za-z\- ]*)\))?`)
	ibOrderQty = regexp.MustCompile(`(?i)\btotal quantity\s*:?\s*([\d,]+(?:\.\d+)?)`)
	ibOrderRef = regexp.MustCompile(`(?i)\border\s*(?:id|#)\s*:?\s*(\d+)`)
)

// extract dispatches on the template kind. It reports false when the body
// holds nothing that looks like a transaction.
func extract(kind TemplateKind, text string) (*extraction, bool) {
	switch kind {
	case KindWealthsimple:
		return extractWealthsimple(text)
	case KindQuestrade:
		return extractQuestrade(text)
	case KindInteractiveBrokers:
		return extractInteractiveBrokers(text)
	default:
		return nil, false
	}
}

func extractWealthsimple(text string) (*extraction, bool) {
	ex := &extraction{}

	switch {
	case wsTrade.MatchString(text):
		m := wsTrade.FindStringSubmatch(text)
		ex.line, ex.action, ex.quantity, ex.security, ex.price = m[0], m[1], m[2], m[3], m[4]
	case wsCompact.MatchString(text):
		m := wsCompact.FindStringSubmatch(text)
		ex.line, ex.action, ex.quantity, ex.security, ex.price = m[0], m[1], m[2], m[3], m[4]
	case wsDividend.MatchString(text):
		m := wsDividend.FindStringSubmatch(text)
		ex.line, ex.action, ex.total, ex.security = m[0], "dividend", m[1], m[2]
	case wsExpired.MatchString(text):
		m := wsExpired.FindStringSubmatch(text)
		ex.line, ex.action, ex.quantity, ex.security = m[0], "expired", m[1], m[2]
	default:
		return nil, false
	}

	if ex.total == "" {
		ex.total = submatch(totalPattern, text)
	}
	ex.fees = submatch(feesPattern, text)
	ex.date = submatch(datePattern, text)
	ex.account = submatch(wsAccount, text)
	ex.orderRef = submatch(orderRefPattern, text)
	ex.currency = detectCurrency(ex.line + "\n" + text)
	if m := fillPattern.FindStringSubmatch(text); m != nil {
		ex.orderQty = m[2]
	}

	return ex, true
}

func extractQuestrade(text string) (*extraction, bool) {
	ex := &extraction{}
	var name string

	for _, m := range qtField.FindAllStringSubmatch(text, -1) {
		value := m[2]
		switch strings.ToLower(m[1]) {
		case "action", "side":
			ex.action = value
		case "symbol":
			ex.security = value
		case "security", "description":
			name = value
		case "quantity", "filled quantity":
			ex.quantity = value
		case "order quantity":
			ex.orderQty = value
		case "price", "average price":
			ex.price = value
		case "commission", "fee", "fees":
			ex.fees = value
		case "net amount", "total":
			ex.total = value
		case "account", "account type":
			ex.account = value
		case "order #", "order number", "order id":
			ex.orderRef = value
		case "trade date":
			ex.date = value
		case "currency":
			ex.currency = value
		}
		ex.line += m[0] + "\n"
	}

	if ex.action == "" {
		return nil, false
	}
	if ex.security == "" {
		ex.security = name
	}
	if ex.currency == "" {
		ex.currency = detectCurrency(text)
	}
	if ex.orderQty == "" {
		if m := fillPattern.FindStringSubmatch(text); m != nil {
			ex.orderQty = m[2]
		}
	}

	return ex, true
}

func extractInteractiveBrokers(text string) (*extraction, bool) {
	m := ibTrade.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	ex := &extraction{
		line:     m[0],
		action:   m[1],
		quantity: m[2],
		security: m[3],
		price:    m[4],
	}
	ex.total = submatch(totalPattern, text)
	ex.fees = submatch(feesPattern, text)
	ex.date = submatch(datePattern, text)
	ex.orderRef = submatch(ibOrderRef, text)
	ex.orderQty = submatch(ibOrderQty, text)
	ex.currency = detectCurrency(text)
	if a := ibAccount.FindStringSubmatch(text); a != nil {
		ex.account = a[1]
	}

	return ex, true
}

func submatch(re *regexp.Regexp, text string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// detectCurrency returns the first currency marker in text, or "" when none is printed
func detectCurrency(text string) string {
	m := currencyPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	marker := m[1]
	if marker == "" {
		marker = m[2]
	}
	switch strings.ToUpper(marker) {
	case "USD", "US$":
		return "USD"
	case "CAD", "CA$", "C$":
		return "CAD"
	}
	return ""
}

// normalizeAccount reduces an account label to its type words, dropping
// account numbers and the word "account".
func normalizeAccount(raw string) string {
	var kept []string
	for _, tok := range strings.Fields(strings.ToUpper(raw)) {
		tok = strings.Trim(tok, "()#:,-")
		if tok == "" || tok == "ACCOUNT" || isAccountNumber(tok) {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

func isAccountNumber(tok string) bool {
	digits := 0
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 4
}

func unquote(text string) string {
	return quotePrefix.ReplaceAllString(text, "")
}
