package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"time"
)

// DefaultSender is used in envelope lines when a message names no sender.
const DefaultSender = "MAILER-DAEMON"

var (
	fromPrefix = []byte("From ")

	// EnvelopeSentinel stands in for messages without a usable Date header.
	EnvelopeSentinel = time.Unix(0, 0).UTC()
)

// Escape applies the mboxrd rule: a line matching ^>*From gains one '>'.
func Escape(line []byte) []byte {
	if !quoted(line) {
		return line
	}
	out := make([]byte, 0, len(line)+1)
	out = append(out, '>')
	return append(out, line...)
}

// Unescape reverses Escape: a line matching ^>+From loses exactly one '>'.
func Unescape(line []byte) []byte {
	if len(line) > 0 && line[0] == '>' && quoted(line) {
		return line[1:]
	}
	return line
}

func quoted(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, ">"), fromPrefix)
}

// EnvelopeLine formats "From <sender> <asctime>" without a line terminator.
func EnvelopeLine(sender string, date time.Time) string {
	sender = strings.Join(strings.Fields(sender), "_")
	if sender == "" {
		sender = DefaultSender
	}
	if date.IsZero() {
		date = EnvelopeSentinel
	}
	return "From " + sender + " " + date.UTC().Format(time.ANSIC)
}

// lineEnding reports the terminator used by the first line of content.
func lineEnding(content []byte) string {
	idx := bytes.IndexByte(content, '\n')
	if idx > 0 && content[idx-1] == '\r' {
		return "\r\n"
	}
	return "\n"
}

// splitEnvelope detaches an existing "From " line at the top of content.
func splitEnvelope(content []byte) (envelope string, rest []byte) {
	if !bytes.HasPrefix(content, fromPrefix) {
		return "", content
	}
	idx := bytes.IndexByte(content, '\n')
	if idx < 0 {
		return strings.TrimRight(string(content), "\r"), nil
	}
	return strings.TrimRight(string(content[:idx]), "\r"), content[idx+1:]
}

// writeMessage emits one framed message. Every content line goes through
// Escape, so no content line can ever read back as an envelope. Content is
// otherwise written unmodified, except that a missing final line terminator
// is added; Split therefore returns such a message with one extra terminator.
func writeMessage(w *bufio.Writer, envelope string, content []byte) error {
	eol := lineEnding(content)
	if _, err := w.WriteString(envelope + eol); err != nil {
		return err
	}

	rest := content
	for len(rest) > 0 {
		var line []byte
		if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
			line, rest = rest[:idx+1], rest[idx+1:]
		} else {
			line, rest = rest, nil
		}
		if quoted(line) {
			if err := w.WriteByte('>'); err != nil {
				return err
			}
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
	}

	if len(content) > 0 && content[len(content)-1] != '\n' {
		if _, err := w.WriteString(eol); err != nil {
			return err
		}
	}
	_, err := w.WriteString(eol)
	return err
}

// Entry is one message recovered by Split.
type Entry struct {
	Envelope string
	Raw      []byte
}

// Split parses an mboxrd stream written by this package, unescaping content
// lines and removing the blank separator line that ends each message.
func Split(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	var (
		entries []Entry
		current *Entry
		buf     bytes.Buffer
	)

	finish := func() {
		if current == nil {
			return
		}
		raw := buf.Bytes()
		switch {
		case bytes.HasSuffix(raw, []byte("\r\n")) && isBlankTail(raw, 2):
			raw = raw[:len(raw)-2]
		case bytes.HasSuffix(raw, []byte("\n")) && isBlankTail(raw, 1):
			raw = raw[:len(raw)-1]
		}
		current.Raw = append([]byte(nil), raw...)
		entries = append(entries, *current)
		buf.Reset()
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if bytes.HasPrefix(line, fromPrefix) {
				finish()
				current = &Entry{Envelope: strings.TrimRight(string(line), "\r\n")}
			} else if current == nil {
				if len(bytes.TrimSpace(line)) > 0 {
					return nil, ErrInvalidFormat
				}
			} else {
				buf.Write(Unescape(line))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	finish()
	return entries, nil
}

// isBlankTail reports whether the last line of raw (terminator of size n
// included) is empty, i.e. preceded by another terminator or nothing.
func isBlankTail(raw []byte, n int) bool {
	head := raw[:len(raw)-n]
	return len(head) == 0 || head[len(head)-1] == '\n'
}
