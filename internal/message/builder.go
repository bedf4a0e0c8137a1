package message

import (
	"bytes"
	"mime"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/bulk-mailer/internal/models"
)

// Build returns a new message addressed from -> to. Every call allocates a
// fresh value so transports may modify it without affecting other recipients.
func Build(tpl models.MessageTemplate, from, to string) *models.OutboundMessage {
	return &models.OutboundMessage{
		From:    from,
		To:      to,
		Subject: tpl.Subject,
		Body:    tpl.Body,
	}
}

// EncodeOptions carries the per-send header values that are not part of the
// message itself.
type EncodeOptions struct {
	Date      time.Time
	MessageID string
	Headers   map[string]string
}

// Encode renders msg as a plain text RFC 5322 message with CRLF line endings.
// Header values outside ASCII become RFC 2047 encoded-words and the body is
// quoted-printable, so the output is 7-bit clean.
func Encode(msg *models.OutboundMessage, opts EncodeOptions) []byte {
	headers := make(map[string]string, len(opts.Headers)+8)
	for key, value := range opts.Headers {
		key = strings.TrimSpace(key)
		if key == "" || strings.TrimSpace(value) == "" {
			continue
		}
		headers[key] = encodeHeaderValue(value)
	}

	date := opts.Date
	if date.IsZero() {
		date = time.Now()
	}

	headers["From"] = sanitizeHeaderValue(msg.From)
	headers["To"] = sanitizeHeaderValue(msg.To)
	headers["Subject"] = encodeHeaderValue(msg.Subject)
	headers["Date"] = date.UTC().Format(time.RFC1123Z)
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/plain; charset=UTF-8"
	headers["Content-Transfer-Encoding"] = "quoted-printable"
	if opts.MessageID != "" {
		headers["Message-Id"] = sanitizeHeaderValue(opts.MessageID)
	}

	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		value := headers[key]
		if value == "" {
			continue
		}
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	body := quotedprintable.NewWriter(&buf)
	_, _ = body.Write([]byte(normalizeBody(msg.Body)))
	_ = body.Close()

	return buf.Bytes()
}

// NewMessageID returns a unique Message-Id value scoped to the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "<> ")
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

func normalizeBody(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

// encodeHeaderValue sanitizes value and Q-encodes it when it is not plain
// ASCII. Addresses are left to sanitizeHeaderValue because an encoded-word
// is not allowed inside an addr-spec.
func encodeHeaderValue(value string) string {
	return mime.QEncoding.Encode("utf-8", sanitizeHeaderValue(value))
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}
