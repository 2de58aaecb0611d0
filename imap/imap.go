// Package imap implements session.MailboxSession on top of go-imap v2.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-to-mbox/eml"
	"github.com/dhcgn/imap-to-mbox/session"
)

const DefaultFolder = "INBOX"

var ErrMessageNotFound = errors.New("message not found")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Session is a single authenticated connection. Commands are issued one at a
// time; the type is not safe for concurrent use.
type Session struct {
	client   *imapclient.Client
	logger   *slog.Logger
	selected string
	stop     func() bool
}

var _ session.MailboxSession = (*Session)(nil)

// Dial connects and authenticates. Cancelling ctx closes the connection.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if logger != nil {
		logger.Info("connecting", "address", address, "tls", opts.UseTLS)
	}
	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if logger != nil {
		logger.Info("imap connection established", "address", address, "user", opts.Username)
	}

	s := &Session{client: client, logger: logger}
	s.stop = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s, nil
}

// Close logs out when the connection is still usable and releases it.
func (s *Session) Close() error {
	if s.stop != nil && s.stop() {
		if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := s.client.Close(); err != nil {
		if s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}
	if s.logger != nil {
		s.logger.Info("disconnected from imap server")
	}
	return nil
}

// ListFolders returns selectable folders. Servers that list nothing still
// have an INBOX.
func (s *Session) ListFolders(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		if isProtocolError(err) {
			if s.logger != nil {
				s.logger.Warn("folder list failed, using INBOX", "err", err)
			}
			return []string{DefaultFolder}, nil
		}
		return nil, session.Lost(fmt.Errorf("list folders: %w", err))
	}

	seen := make(map[string]bool, len(mailboxes))
	folders := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		name := mbox.Mailbox
		if !selectable(mbox) || name == "" || name == "." || name == ".." || seen[name] {
			continue
		}
		seen[name] = true
		folders = append(folders, name)
	}
	if len(folders) == 0 {
		return []string{DefaultFolder}, nil
	}

	if s.logger != nil {
		s.logger.Info("found folders", "count", len(folders), "folders", strings.Join(folders, ", "))
	}
	return folders, nil
}

func selectable(mbox *imapv2.ListData) bool {
	for _, attr := range mbox.Attrs {
		if attr == imapv2.MailboxAttrNoSelect {
			return false
		}
	}
	return true
}

// SelectFolder opens name read-only so fetching never changes \Seen flags.
func (s *Session) SelectFolder(ctx context.Context, name string) (session.Folder, error) {
	if err := ctx.Err(); err != nil {
		return session.Folder{}, err
	}
	data, err := s.client.Select(name, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		s.selected = ""
		if isProtocolError(err) {
			return session.Folder{}, fmt.Errorf("select %s: %w", name, err)
		}
		return session.Folder{}, session.Lost(fmt.Errorf("select %s: %w", name, err))
	}
	s.selected = name

	if s.logger != nil {
		s.logger.Debug("selected folder", "folder", name, "messages", data.NumMessages, "uidValidity", data.UIDValidity)
	}
	return session.Folder{Name: name, UIDValidity: data.UIDValidity, Messages: data.NumMessages}, nil
}

// MessageIDs returns the UIDs of folder in ascending order.
func (s *Session) MessageIDs(ctx context.Context, folder string) ([]string, error) {
	if err := s.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}
	data, err := s.client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		if isProtocolError(err) {
			return nil, fmt.Errorf("search %s: %w", folder, err)
		}
		return nil, session.Lost(fmt.Errorf("search %s: %w", folder, err))
	}

	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return ids, nil
}

// FetchMessage downloads the full message with BODY.PEEK[] plus its envelope.
func (s *Session) FetchMessage(ctx context.Context, folder, id string) (session.Message, error) {
	if err := s.ensureSelected(ctx, folder); err != nil {
		return session.Message{}, err
	}
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return session.Message{}, fmt.Errorf("invalid uid %q", id)
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}
	msgs, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(n)), options).Collect()
	if err != nil {
		if isProtocolError(err) {
			return session.Message{}, fmt.Errorf("fetch uid %s: %w", id, err)
		}
		return session.Message{}, session.Lost(fmt.Errorf("fetch uid %s: %w", id, err))
	}
	if len(msgs) == 0 {
		return session.Message{}, fmt.Errorf("fetch uid %s: %w", id, ErrMessageNotFound)
	}

	buf := msgs[0]
	raw := buf.FindBodySection(section)
	if len(raw) == 0 {
		return session.Message{}, fmt.Errorf("fetch uid %s: empty body", id)
	}

	msg := session.Message{ID: id, Raw: raw}
	if buf.Envelope != nil {
		msg.Subject = buf.Envelope.Subject
		msg.Date = buf.Envelope.Date
	}
	if msg.Subject == "" || msg.Date.IsZero() {
		hints := eml.ParseHints(raw)
		if msg.Subject == "" {
			msg.Subject = hints.Subject
		}
		if msg.Date.IsZero() {
			msg.Date = hints.Date
		}
	}
	return msg, nil
}

func (s *Session) ensureSelected(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.selected == folder {
		return nil
	}
	_, err := s.SelectFolder(ctx, folder)
	return err
}

// isProtocolError reports whether the server answered NO or BAD, in which
// case the connection itself is still healthy.
func isProtocolError(err error) bool {
	var respErr *imapv2.Error
	return errors.As(err, &respErr)
}
