package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang-email-ingestion-service/internal/models"
)

var tickerShape = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,5}([.\-][A-Z0-9]{1,3})?$`)

// buildPrompt asks a language model for a single JSON object describing the security
func buildPrompt(text string, securities []Security) string {
	var b strings.Builder
	b.WriteString("You map security names from brokerage trade confirmations to exchange ticker symbols.\n")
	b.WriteString("Reply with one JSON object and nothing else:\n")
	b.WriteString(`{"symbol": "<ticker or empty>", "asset_type": "stock|etf|option|mutual_fund|crypto|unknown", "confidence": <0..1>}`)
	b.WriteString("\nUse an empty symbol when you are not sure. Prefer the listing the account currency suggests.\n")

	if len(securities) > 0 {
		b.WriteString("\nKnown securities in this portfolio:\n")
		for _, s := range securities {
			fmt.Fprintf(&b, "- %s: %s\n", s.Symbol, s.Name)
		}
	}

	fmt.Fprintf(&b, "\nSecurity text: %q\n", text)
	return b.String()
}

type modelAnswer struct {
	Symbol     string  `json:"symbol"`
	AssetType  string  `json:"asset_type"`
	Confidence float64 `json:"confidence"`
}

// parseAnswer extracts the JSON object from a model reply. Models sometimes
// wrap JSON in markdown fences, so only the outermost braces are decoded.
func parseAnswer(reply string, source string) (*Resolution, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrBadResponse)
	}

	var answer modelAnswer
	if err := json.Unmarshal([]byte(reply[start:end+1]), &answer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(answer.Symbol))
	if symbol == "" {
		return nil, ErrNoMatch
	}
	if !tickerShape.MatchString(symbol) {
		return nil, fmt.Errorf("%w: %q is not a ticker", ErrBadResponse, symbol)
	}
	if answer.Confidence < 0 || answer.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrBadResponse, answer.Confidence)
	}

	return &Resolution{
		Symbol:     symbol,
		AssetType:  models.ParseAssetType(answer.AssetType),
		Confidence: answer.Confidence,
		Source:     source,
	}, nil
}
