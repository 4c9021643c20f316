package resolver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jbrukh/bayesian"

	"golang-email-ingestion-service/internal/models"
)

const (
	exactSymbolConfidence = 1.0
	aliasConfidence       = 0.95
	// classifier answers never reach the alias level
	classifierCeiling       = 0.85
	classifierMinConfidence = 0.4
)

var stopWords = map[string]bool{
	"inc": true, "corp": true, "corporation": true, "ltd": true, "limited": true,
	"the": true, "of": true, "co": true, "plc": true, "company": true,
	"shares": true, "share": true, "common": true, "stock": true, "units": true,
}

type alias struct {
	phrase string
	symbol string
}

// Local resolves names against a reference list: exact symbols, then known
// names and aliases, then a TF-IDF naive bayes classifier over name terms.
type Local struct {
	bySymbol   map[string]Security
	aliases    []alias
	vocabulary map[string]bool
	classes    []bayesian.Class
	cl         *bayesian.Classifier
}

// NewLocal trains a local resolver. At least two distinct symbols are required.
func NewLocal(securities []Security) (*Local, error) {
	l := &Local{
		bySymbol:   make(map[string]Security),
		vocabulary: make(map[string]bool),
	}

	for _, s := range securities {
		sym := strings.ToUpper(strings.TrimSpace(s.Symbol))
		if sym == "" {
			continue
		}
		if _, dup := l.bySymbol[sym]; dup {
			return nil, fmt.Errorf("duplicate security symbol %s", sym)
		}
		l.bySymbol[sym] = s
		l.classes = append(l.classes, bayesian.Class(sym))
	}
	if len(l.classes) < 2 {
		return nil, fmt.Errorf("local resolver needs at least two securities, got %d", len(l.classes))
	}

	l.cl = bayesian.NewClassifierTfIdf(l.classes...)
	for _, s := range securities {
		sym := strings.ToUpper(strings.TrimSpace(s.Symbol))
		if sym == "" {
			continue
		}

		var doc []string
		for _, name := range append([]string{s.Name}, s.Aliases...) {
			words := terms(name)
			if len(words) == 0 {
				continue
			}
			l.aliases = append(l.aliases, alias{phrase: strings.Join(words, " "), symbol: sym})
			doc = append(doc, words...)
		}
		doc = append(doc, strings.ToLower(sym))

		for _, w := range doc {
			l.vocabulary[w] = true
		}
		l.cl.Learn(doc, bayesian.Class(sym))
	}
	l.cl.ConvertTermsFreqToTfIdf()

	// longest phrase first so "royal bank of canada" beats "bank"
	sort.SliceStable(l.aliases, func(i, j int) bool {
		return len(l.aliases[i].phrase) > len(l.aliases[j].phrase)
	})

	return l, nil
}

// Resolve implements Resolver
func (l *Local) Resolve(ctx context.Context, text string) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidate := strings.ToUpper(strings.TrimSpace(text))
	if s, ok := l.bySymbol[candidate]; ok {
		return l.answer(s, exactSymbolConfidence), nil
	}

	words := terms(text)
	if len(words) == 0 {
		return nil, ErrNoMatch
	}

	padded := " " + strings.Join(words, " ") + " "
	for _, a := range l.aliases {
		if strings.Contains(padded, " "+a.phrase+" ") {
			return l.answer(l.bySymbol[a.symbol], aliasConfidence), nil
		}
	}

	known := false
	for _, w := range words {
		if l.vocabulary[w] {
			known = true
			break
		}
	}
	if !known {
		return nil, ErrNoMatch
	}

	scores, best, strict := l.cl.LogScores(words)
	if !strict {
		return nil, ErrNoMatch
	}

	confidence := softmax(scores)[best] * classifierCeiling
	if confidence < classifierMinConfidence {
		return nil, ErrNoMatch
	}
	return l.answer(l.bySymbol[string(l.classes[best])], confidence), nil
}

func (l *Local) answer(s Security, confidence float64) *Resolution {
	return &Resolution{
		Symbol:     strings.ToUpper(s.Symbol),
		AssetType:  models.ParseAssetType(s.AssetType),
		Confidence: confidence,
		Source:     BackendLocal,
	}
}

func terms(s string) []string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '&' {
			return r
		}
		return ' '
	}, s)

	var out []string
	for _, w := range strings.Fields(s) {
		if !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

func softmax(logScores []float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range logScores {
		maxScore = math.Max(maxScore, s)
	}

	probs := make([]float64, len(logScores))
	var sum float64
	for i, s := range logScores {
		probs[i] = math.Exp(s - maxScore)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
