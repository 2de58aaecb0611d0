package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/mbox"
	"github.com/dhcgn/imap-to-mbox/session"
	"github.com/dhcgn/imap-to-mbox/stats"
)

// fakeMailbox is shared by every session dialled in a test so reconnects
// see the same content.
type fakeMailbox struct {
	mu       sync.Mutex
	order    []string
	folders  map[string]int
	broken   map[string]bool
	loseOnce map[string]bool
	dials    int
	closed   int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{folders: map[string]int{}, broken: map[string]bool{}, loseOnce: map[string]bool{}}
}

func (m *fakeMailbox) add(folder string, n int) {
	m.order = append(m.order, folder)
	m.folders[folder] = n
}

func (m *fakeMailbox) dialer() Dialer {
	return func(context.Context) (Session, error) {
		m.mu.Lock()
		m.dials++
		m.mu.Unlock()
		return &fakeSession{mailbox: m}, nil
	}
}

type fakeSession struct {
	mailbox *fakeMailbox
	lost    bool
}

func (s *fakeSession) ListFolders(context.Context) ([]string, error) {
	return append([]string(nil), s.mailbox.order...), nil
}

func (s *fakeSession) SelectFolder(_ context.Context, name string) (session.Folder, error) {
	if s.lost {
		return session.Folder{}, session.Lost(errors.New("closed"))
	}
	n, ok := s.mailbox.folders[name]
	if !ok || s.mailbox.broken[name] {
		return session.Folder{}, fmt.Errorf("NO [NONEXISTENT] %s", name)
	}
	return session.Folder{Name: name, UIDValidity: 1, Messages: uint32(n)}, nil
}

func (s *fakeSession) MessageIDs(_ context.Context, folder string) ([]string, error) {
	ids := make([]string, s.mailbox.folders[folder])
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	return ids, nil
}

func (s *fakeSession) FetchMessage(_ context.Context, folder, id string) (session.Message, error) {
	s.mailbox.mu.Lock()
	lose := s.mailbox.loseOnce[folder+"/"+id]
	delete(s.mailbox.loseOnce, folder+"/"+id)
	s.mailbox.mu.Unlock()
	if lose {
		s.lost = true
		return session.Message{}, session.Lost(errors.New("connection reset"))
	}

	subject := folder + " " + id
	raw := fmt.Sprintf("From: sender@example.com\r\nSubject: %s\r\nDate: Tue, 05 Mar 2024 10:00:00 +0000\r\n\r\nFrom the body of %s\r\n", subject, id)
	return session.Message{ID: id, Raw: []byte(raw), Subject: subject}, nil
}

func (s *fakeSession) Close() error {
	s.mailbox.mu.Lock()
	s.mailbox.closed++
	s.mailbox.mu.Unlock()
	return nil
}

func testConfig(dir string) config.Config {
	return config.Config{
		Username:        "bob",
		OutputDir:       dir,
		MaxEmails:       -1,
		StartMessage:    1,
		BatchSize:       2,
		KeepFilenames:   true,
		Convert:         true,
		ContinueOnError: true,
		LogLevel:        "info",
	}
}

func newRunner(t *testing.T, cfg config.Config, m *fakeMailbox) (*Runner, *stats.Collector) {
	t.Helper()
	r, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.dial = m.dialer()

	collector := stats.NewCollector()
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})
	return r, collector
}

func TestRunner_DownloadAndConvert(t *testing.T) {
	dir := t.TempDir()
	m := newFakeMailbox()
	m.add("INBOX", 3)
	m.add("Sent", 2)

	r, collector := newRunner(t, testConfig(dir), m)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	summary := collector.Snapshot()
	if summary.Folders != 2 || summary.Fetched != 5 || summary.Written != 5 {
		t.Errorf("summary = %+v", summary)
	}

	archive := r.Archive()
	if archive == nil {
		t.Fatal("Archive() = nil after convert")
	}
	if want := filepath.Join(dir, "bob.mbox"); archive.Output != want {
		t.Errorf("Output = %q, want %q", archive.Output, want)
	}
	count, err := mbox.CountMessages(archive.Output)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	if count != 5 {
		t.Errorf("archive holds %d messages, want 5", count)
	}
	if m.closed != 1 {
		t.Errorf("sessions closed = %d, want 1", m.closed)
	}

	// A second run finds nothing new.
	r2, collector2 := newRunner(t, testConfig(dir), m)
	if err := r2.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := collector2.Snapshot(); got.Fetched != 0 || got.Duplicates != 5 || got.Written != 5 {
		t.Errorf("second summary = %+v", got)
	}
}

func TestRunner_ContinueOnError(t *testing.T) {
	dir := t.TempDir()
	m := newFakeMailbox()
	m.add("INBOX", 2)
	m.add("Broken", 2)
	m.add("Sent", 1)
	m.broken["Broken"] = true

	r, collector := newRunner(t, testConfig(dir), m)
	err := r.Start()
	if err == nil {
		t.Fatal("Start() succeeded with a failed folder")
	}

	results := r.Results()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[1].Err == nil || results[2].Fetched != 1 {
		t.Errorf("results = %+v", results)
	}
	if r.Archive() == nil {
		t.Error("convert stage did not run after a recoverable folder error")
	}
	if got := collector.Snapshot(); got.FolderErrors != 1 || got.Fetched != 3 {
		t.Errorf("summary = %+v", got)
	}
}

func TestRunner_StopOnError(t *testing.T) {
	m := newFakeMailbox()
	m.add("Broken", 1)
	m.add("INBOX", 1)
	m.broken["Broken"] = true

	cfg := testConfig(t.TempDir())
	cfg.ContinueOnError = false
	r, _ := newRunner(t, cfg, m)

	if err := r.Start(); err == nil {
		t.Fatal("Start() succeeded")
	}
	if got := len(r.Results()); got != 1 {
		t.Errorf("results = %d, want 1", got)
	}
	if r.Archive() != nil {
		t.Error("convert ran after the download stage failed")
	}
}

func TestRunner_ReconnectsAfterSessionLoss(t *testing.T) {
	m := newFakeMailbox()
	m.add("INBOX", 3)
	m.add("Sent", 2)
	m.loseOnce["INBOX/2"] = true

	r, _ := newRunner(t, testConfig(t.TempDir()), m)
	err := r.Start()
	if !errors.Is(err, session.ErrSessionLost) {
		t.Fatalf("Start() error = %v, want session lost", err)
	}
	if m.dials != 2 {
		t.Errorf("dials = %d, want 2", m.dials)
	}

	results := r.Results()
	if len(results) != 2 || results[0].Fetched != 1 || results[1].Fetched != 2 {
		t.Errorf("results = %+v", results)
	}
	if m.closed != 2 {
		t.Errorf("sessions closed = %d, want 2", m.closed)
	}
}

func TestRunner_FolderFilter(t *testing.T) {
	m := newFakeMailbox()
	m.add("INBOX", 1)
	m.add("Junk", 1)
	m.add("Sent", 1)

	cfg := testConfig(t.TempDir())
	cfg.ExcludeFolders = []string{"^Junk$"}
	cfg.Convert = false
	r, _ := newRunner(t, cfg, m)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var got []string
	for _, res := range r.Results() {
		got = append(got, res.Folder)
	}
	if len(got) != 2 || got[0] != "INBOX" || got[1] != "Sent" {
		t.Errorf("downloaded folders = %v", got)
	}
}

func TestRunner_NoFoldersSelected(t *testing.T) {
	m := newFakeMailbox()
	m.add("INBOX", 1)

	cfg := testConfig(t.TempDir())
	cfg.IncludeFolders = []string{"^Archive"}
	cfg.Convert = false
	r, _ := newRunner(t, cfg, m)
	if err := r.Start(); !errors.Is(err, ErrNoFolders) {
		t.Errorf("Start() error = %v, want ErrNoFolders", err)
	}
}

func TestRunner_ExplicitFolders(t *testing.T) {
	m := newFakeMailbox()
	m.add("INBOX", 2)
	m.add("Sent", 2)

	cfg := testConfig(t.TempDir())
	cfg.Folders = []string{"Sent"}
	cfg.ConvertFolder = "Sent"
	r, _ := newRunner(t, cfg, m)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if results := r.Results(); len(results) != 1 || results[0].Folder != "Sent" {
		t.Errorf("results = %+v", results)
	}
	if archive := r.Archive(); archive == nil || filepath.Base(archive.Output) != "Sent.mbox" || archive.MessagesWritten != 2 {
		t.Errorf("archive = %+v", archive)
	}
}

func TestRunner_DialFailure(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Convert = false
	r, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dialErr := errors.New("connection refused")
	r.dial = func(context.Context) (Session, error) { return nil, dialErr }

	if err := r.Start(); !errors.Is(err, dialErr) {
		t.Errorf("Start() error = %v, want %v", err, dialErr)
	}
}

func TestRunner_ConvertOnly(t *testing.T) {
	dir := t.TempDir()
	m := newFakeMailbox()
	m.add("INBOX", 2)
	r, _ := newRunner(t, testConfig(dir), m)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(dir)
	cfg.SkipDownload = true
	cfg.MboxFile = filepath.Join(dir, "out", "all.mbox")
	r2, _ := newRunner(t, cfg, m)
	if err := r2.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m.dials != 1 {
		t.Errorf("convert-only run dialled the server")
	}
	if count, err := mbox.CountMessages(cfg.MboxFile); err != nil || count != 2 {
		t.Errorf("CountMessages() = %d, %v", count, err)
	}
}

func TestRunner_ConvertOnlyMissingOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "typo")
	cfg := testConfig(dir)
	cfg.SkipDownload = true

	m := newFakeMailbox()
	r, _ := newRunner(t, cfg, m)
	if err := r.Start(); err == nil {
		t.Fatal("Start() succeeded for a missing output directory")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("output directory was created: %v", err)
	}
	if r.Archive() != nil {
		t.Error("archive written for a missing output directory")
	}
}
