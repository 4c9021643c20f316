// Package identity derives the deterministic fingerprint that keys every
// idempotency decision in the pipeline.
//
// Two deliveries of the same email always produce the same fingerprint:
// retries, forwarding prefixes, quoted forwards, tracking parameters and
// timestamp jitter are normalized away before hashing. When the body cannot
// be normalized the fingerprint falls back to the raw bytes under a separate
// prefix, so a degraded fingerprint never equals a normalized one.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/logger"
)

const (
	// NormalizedPrefix marks fingerprints computed over normalized content
	NormalizedPrefix = "n1:"
	// RawPrefix marks degraded fingerprints computed over raw bytes
	RawPrefix = "r1:"
)

// Config holds normalization options
type Config struct {
	// OpaqueTokenMinLength is the shortest mixed letter/digit run treated as a tracking token
	OpaqueTokenMinLength int `json:"opaque_token_min_length" mapstructure:"opaque_token_min_length"`
	// FooterMarkers drop any body line containing one of them (case-insensitive)
	FooterMarkers []string `json:"footer_markers" mapstructure:"footer_markers"`
}

// DefaultConfig returns the normalization defaults
func DefaultConfig() *Config {
	return &Config{
		OpaqueTokenMinLength: 24,
		FooterMarkers: []string{
			"view in browser",
			"view this email in your browser",
			"view it in your browser",
			"unsubscribe",
			"manage your preferences",
			"manage preferences",
			"privacy policy",
			"you are receiving this email",
		},
	}
}

// Identifier computes EmailIdentification values. It is stateless and safe
// for concurrent use.
type Identifier struct {
	config      *Config
	logger      logger.Logger
	opaqueToken *regexp.Regexp
}

// NewIdentifier creates an identifier with the given configuration
func NewIdentifier(config *Config, log logger.Logger) *Identifier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.OpaqueTokenMinLength <= 0 {
		config.OpaqueTokenMinLength = DefaultConfig().OpaqueTokenMinLength
	}

	return &Identifier{
		config:      config,
		logger:      logger.OrNop(log).WithComponent("identity"),
		opaqueToken: regexp.MustCompile(`[A-Za-z0-9+/=_\-]{` + strconv.Itoa(config.OpaqueTokenMinLength) + `,}`),
	}
}

var (
	subjectPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|tr)\s*(\[\d+\])?\s*:\s*`)
	forwardMarker = regexp.MustCompile(`(?i)^\s*(-{2,}\s*(forwarded|original) message\s*-{2,}|begin forwarded message:?)\s*$`)
	forwardHeader = regexp.MustCompile(`(?i)^\s*(from|sent|date|subject|to|cc|reply-to)\s*:`)
	quoteMarker   = regexp.MustCompile(`^\s*(>\s*)+`)
	urlQuery      = regexp.MustCompile(`(https?://[^\s?#"'<>]+)[?#][^\s"'<>]*`)
	declaredTotal = regexp.MustCompile(`(?i)\b(?:total(?:\s+(?:cost|amount|proceeds|value))?|net\s+amount)\b[^\n$0-9]{0,30}(?:(?:US|CA|C)?\$|CAD|USD)\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

// Identify derives the identification for an email
func (id *Identifier) Identify(email *models.RawEmail) models.EmailIdentification {
	plain := PlainText(email)
	sender := NormalizeSender(email.From)

	ident := models.EmailIdentification{
		SourceEmailID:     strings.Trim(strings.TrimSpace(email.MessageID), "<>"),
		ReceivedAt:        email.ReceivedAt,
		FromAddress:       sender,
		SubjectNormalized: id.NormalizeSubject(email.Subject),
		DeclaredTotal:     DeclaredTotal(plain),
	}

	body := id.NormalizeBody(plain)
	if body == "" {
		ident.FingerprintHash = RawFingerprint(email)
		ident.Degraded = true
		id.logger.WithFields(logger.Fields{
			"from":        sender,
			"fingerprint": ident.FingerprintHash,
		}).Warn("Body could not be normalized, using raw-bytes fingerprint")
		return ident
	}

	ident.FingerprintHash = digest(NormalizedPrefix, "n1", sender, ident.SubjectNormalized, body, ident.DeclaredTotal)
	return ident
}

// PlainText returns the text part when present, otherwise the visible text of the HTML part
func PlainText(email *models.RawEmail) string {
	if strings.TrimSpace(email.TextBody) != "" {
		return strings.ReplaceAll(email.TextBody, "\r\n", "\n")
	}
	return HTMLToText(email.HTMLBody)
}

// NormalizeSender returns the lower-cased bare address of a From header value
func NormalizeSender(from string) string {
	from = strings.TrimSpace(from)
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(from, "<> \t"))
}

// NormalizeSubject strips reply and forward prefixes and folds the subject
func (id *Identifier) NormalizeSubject(subject string) string {
	for {
		stripped := subjectPrefix.ReplaceAllString(subject, "")
		if stripped == subject {
			break
		}
		subject = stripped
	}
	return id.foldText(subject)
}

// NormalizeBody removes forwarding artifacts, quote markers, tracking tokens
// and provider footers, then folds the remaining text into a single line.
func (id *Identifier) NormalizeBody(text string) string {
	text = stripInvisible(text)

	var kept []string
	inForwardHeader := false
	for _, line := range strings.Split(text, "\n") {
		line = quoteMarker.ReplaceAllString(line, "")

		if forwardMarker.MatchString(line) {
			inForwardHeader = true
			continue
		}
		if inForwardHeader {
			if strings.TrimSpace(line) == "" {
				inForwardHeader = false
				continue
			}
			if forwardHeader.MatchString(line) {
				continue
			}
			inForwardHeader = false
		}

		if id.isFooter(line) {
			continue
		}

		line = urlQuery.ReplaceAllString(line, "$1")
		line = id.opaqueToken.ReplaceAllStringFunc(line, func(tok string) string {
			if isOpaque(tok) {
				return ""
			}
			return tok
		})
		kept = append(kept, line)
	}

	return id.foldText(strings.Join(kept, "\n"))
}

// DeclaredTotal returns the first labelled total amount in the text as a
// canonical decimal string, or "" when none is printed.
func DeclaredTotal(text string) string {
	m := declaredTotal.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	d, err := models.ParseDecimalFromString(m[1])
	if err != nil {
		return ""
	}
	return d.StringFixed(2)
}

// RawFingerprint hashes the raw sender, subject and body parts
func RawFingerprint(email *models.RawEmail) string {
	return digest(RawPrefix, "r1", email.From, email.Subject, email.HTMLBody, email.TextBody)
}

func digest(prefix string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return prefix + hex.EncodeToString(h.Sum(nil))
}

func (id *Identifier) foldText(s string) string {
	s = norm.NFKC.String(s)
	// a Caser carries state, so each call gets its own
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

func (id *Identifier) isFooter(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range id.config.FooterMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// isOpaque reports whether a long token mixes letters and digits, which
// ordinary words and amounts never do at that length.
func isOpaque(tok string) bool {
	var letters, digits bool
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			digits = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			letters = true
		}
	}
	return letters && digits
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad':
			return -1
		case '\u00a0':
			return ' '
		}
		return r
	}, s)
}
