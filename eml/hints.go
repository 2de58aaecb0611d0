package eml

import (
	"bytes"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Hints are the header fields used for naming files and building mbox
// envelope lines.
type Hints struct {
	Subject string
	Date    time.Time
	Sender  string
}

// ParseHints reads the header block of raw. Malformed headers yield zero
// values rather than errors.
func ParseHints(raw []byte) Hints {
	// Unknown charsets or transfer encodings still leave a usable header.
	entity, _ := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return Hints{}
	}

	header := mail.Header{Header: entity.Header}
	var hints Hints

	if subject, err := header.Subject(); err == nil {
		hints.Subject = strings.TrimSpace(subject)
	} else {
		hints.Subject = strings.TrimSpace(header.Get("Subject"))
	}
	if date, err := header.Date(); err == nil {
		hints.Date = date
	}
	hints.Sender = senderOf(header)
	return hints
}

func senderOf(header mail.Header) string {
	for _, key := range []string{"Return-Path", "Sender", "From"} {
		addrs, err := header.AddressList(key)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr != nil && addr.Address != "" {
				return addr.Address
			}
		}
	}
	return ""
}

// DecodeText decodes RFC 2047 encoded words in a header value. Values that
// cannot be decoded are returned as they are.
func DecodeText(value string) string {
	var h message.Header
	h.Set("X-Value", value)
	if text, err := h.Text("X-Value"); err == nil {
		return text
	}
	return value
}
