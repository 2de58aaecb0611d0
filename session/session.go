// Package session describes the mailbox capabilities the downloader relies on.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrSessionLost marks failures that invalidate the whole connection
// (dropped socket, revoked authentication). Anything not wrapping it is
// treated as a per-message problem.
var ErrSessionLost = errors.New("mailbox session lost")

// Folder is the result of selecting a remote folder.
type Folder struct {
	Name        string
	UIDValidity uint32
	Messages    uint32
}

// Message is a fetched message with the header hints the server supplied.
type Message struct {
	ID      string
	Raw     []byte
	Subject string
	Date    time.Time
}

type MailboxSession interface {
	ListFolders(ctx context.Context) ([]string, error)
	SelectFolder(ctx context.Context, name string) (Folder, error)
	// MessageIDs returns identifiers in server order.
	MessageIDs(ctx context.Context, folder string) ([]string, error)
	FetchMessage(ctx context.Context, folder, id string) (Message, error)
}

// Lost wraps err so that errors.Is(err, ErrSessionLost) reports true.
func Lost(err error) error {
	if err == nil || errors.Is(err, ErrSessionLost) {
		return err
	}
	return &lostError{err: err}
}

type lostError struct {
	err error
}

func (e *lostError) Error() string {
	return ErrSessionLost.Error() + ": " + e.err.Error()
}

func (e *lostError) Unwrap() []error {
	return []error{ErrSessionLost, e.err}
}
