// Package mailbox reads RFC 822 messages from disk into raw emails for the
// pipeline. Only the parts the pipeline looks at are kept: sender, subject,
// date, message id and the first text/plain and text/html bodies.
package mailbox

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// Extension is the file extension ReadDir picks up
const Extension = ".eml"

const (
	defaultMaxBodyBytes = 5 << 20
	maxDepth            = 8
)

// Reader decodes .eml files
type Reader struct {
	// MaxBodyBytes caps how much of each body part is read
	MaxBodyBytes int64

	logger  logger.Logger
	decoder *mime.WordDecoder
}

// NewReader creates a reader
func NewReader(log logger.Logger) *Reader {
	return &Reader{
		MaxBodyBytes: defaultMaxBodyBytes,
		logger:       logger.OrNop(log).WithComponent("mailbox"),
		decoder:      &mime.WordDecoder{CharsetReader: charset.NewReaderLabel},
	}
}

// Failure is a file ReadDir could not decode
type Failure struct {
	Path string
	Err  error
}

// Batch is the result of reading a directory
type Batch struct {
	Emails []*models.RawEmail
	Failed []Failure
}

// ReadFile decodes one message. When the message has no usable Date header
// the file modification time stands in for the received time.
func (r *Reader) ReadFile(path string) (*models.RawEmail, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidValue, "path", path, err)
	}
	defer file.Close()

	var fallback time.Time
	if info, err := file.Stat(); err == nil {
		fallback = info.ModTime().UTC()
	}

	return r.Parse(file, path, fallback)
}

// ReadDir decodes every .eml file directly inside dir, in name order.
// Undecodable files are reported in the batch and do not stop the read.
func (r *Reader) ReadDir(ctx context.Context, dir string) (*Batch, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidValue, "directory", dir, err)
	}

	batch := &Batch{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), Extension) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		path := filepath.Join(dir, entry.Name())
		email, err := r.ReadFile(path)
		if err != nil {
			r.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable message")
			batch.Failed = append(batch.Failed, Failure{Path: path, Err: err})
			continue
		}
		batch.Emails = append(batch.Emails, email)
	}

	r.logger.WithFields(logger.Fields{
		"directory": dir,
		"read":      len(batch.Emails),
		"failed":    len(batch.Failed),
	}).Debug("Read mailbox directory")
	return batch, nil
}

// Parse decodes a message from in. source is recorded on the email and used
// in errors.
func (r *Reader) Parse(in io.Reader, source string, fallback time.Time) (*models.RawEmail, error) {
	msg, err := mail.ReadMessage(bufio.NewReader(in))
	if err != nil {
		return nil, errors.ParseError(errors.CodeUnreadableMessage, source, "malformed headers", err)
	}

	email := &models.RawEmail{
		MessageID:  strings.TrimSpace(msg.Header.Get("Message-Id")),
		From:       r.decodeHeader(msg.Header.Get("From")),
		Subject:    r.decodeHeader(msg.Header.Get("Subject")),
		ReceivedAt: fallback,
		Source:     source,
	}
	if date, err := msg.Header.Date(); err == nil {
		email.ReceivedAt = date.UTC()
	}
	if email.From == "" {
		return nil, errors.ParseError(errors.CodeUnreadableMessage, source, "no From header", nil)
	}

	if err := r.walk(email, textproto.MIMEHeader(msg.Header), msg.Body, 0); err != nil {
		return nil, errors.ParseError(errors.CodeUnreadableMessage, email.From, "body", err).
			WithContext("source", source)
	}
	if strings.TrimSpace(email.TextBody) == "" && strings.TrimSpace(email.HTMLBody) == "" {
		r.logger.WithField("source", source).Debug("Message has no text body")
	}
	return email, nil
}

func (r *Reader) decodeHeader(value string) string {
	decoded, err := r.decoder.DecodeHeader(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(decoded)
}

// walk collects the first plain and html bodies of a MIME tree
func (r *Reader) walk(email *models.RawEmail, header textproto.MIMEHeader, body io.Reader, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("MIME nesting deeper than %d", maxDepth)
	}

	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}
	if disposition, _, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil && disposition == "attachment" {
		return nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s part: %w", mediaType, err)
			}
			if err := r.walk(email, part.Header, part, depth+1); err != nil {
				return err
			}
		}
	}

	var target *string
	switch mediaType {
	case "text/plain":
		target = &email.TextBody
	case "text/html":
		target = &email.HTMLBody
	default:
		return nil
	}
	if *target != "" {
		return nil
	}

	text, err := r.readText(header, params["charset"], body)
	if err != nil {
		return fmt.Errorf("read %s: %w", mediaType, err)
	}
	*target = text
	return nil
}

func (r *Reader) readText(header textproto.MIMEHeader, label string, body io.Reader) (string, error) {
	switch strings.ToLower(strings.TrimSpace(header.Get("Content-Transfer-Encoding"))) {
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	}

	switch strings.ToLower(label) {
	case "", "utf-8", "utf8", "us-ascii":
	default:
		decoded, err := charset.NewReaderLabel(label, body)
		if err != nil {
			return "", err
		}
		body = decoded
	}

	data, err := io.ReadAll(io.LimitReader(body, r.MaxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
