// Package mbox assembles stored .eml files into an mboxrd archive and reads
// archives back.
package mbox

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"

	mboxlib "github.com/emersion/go-mbox"
)

var (
	ErrInvalidFormat  = errors.New("mbox: content before first envelope line")
	ErrFolderNotFound = errors.New("folder not found")
)

// Message represents a single message from an mbox file for stats.
type Message struct {
	Index   int
	Headers mail.Header
	Body    []byte
}

// Read opens an mbox file and iterates through its messages,
// calling the provided callback for each message.
func Read(path string, callback func(m *Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return ReadFrom(file, callback)
}

// ReadFrom is Read over an arbitrary stream. Messages whose header cannot
// be parsed are passed over.
func ReadFrom(r io.Reader, callback func(m *Message) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		msg, err := mail.ReadMessage(msgReader)
		if err != nil {
			continue
		}
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			continue
		}

		if err := callback(&Message{Index: idx, Headers: msg.Header, Body: body}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		// Just consume the message without parsing
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, fmt.Errorf("message %d: %w", count, err)
		}
		count++
	}
}
