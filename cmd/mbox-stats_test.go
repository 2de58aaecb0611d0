package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/imap-to-mbox/eml"
	"github.com/dhcgn/imap-to-mbox/filter"
	"github.com/dhcgn/imap-to-mbox/mbox"
)

func buildArchive(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	w := eml.NewWriter(root)
	messages := []struct {
		id, from, subject string
	}{
		{"1", "alice@example.com", "Hello"},
		{"2", "alice@example.com", "=?UTF-8?B?R3LDvMOfZQ==?="},
		{"3", "bob@example.com", "Hello"},
	}
	for _, m := range messages {
		raw := "From: " + m.from + "\r\nTo: me@example.com\r\nSubject: " + m.subject + "\r\n\r\nbody\r\n"
		if _, err := w.Write("INBOX", m.id, []byte(raw), m.subject); err != nil {
			t.Fatal(err)
		}
	}

	out := filepath.Join(root, "test.mbox")
	if _, err := mbox.NewAssembler(nil, nil).Assemble(filepath.Join(root, eml.FolderDir("INBOX")), out); err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	return out
}

func TestAnalyse(t *testing.T) {
	path := buildArchive(t)
	f, err := filter.New(filter.Options{})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := analyse(path, f)
	if err != nil {
		t.Fatalf("analyse() error = %v", err)
	}
	if rep.messages != 3 || rep.skipped != 0 {
		t.Errorf("messages=%d skipped=%d", rep.messages, rep.skipped)
	}
	if got := rep.counter["From"]["alice@example.com"]; got != 2 {
		t.Errorf("From alice = %d, want 2", got)
	}
	if got := rep.counter["Subject"]["Grüße"]; got != 1 {
		t.Errorf("decoded subject count = %d, want 1 (%v)", got, rep.counter["Subject"])
	}
}

func TestAnalyse_HeaderFilter(t *testing.T) {
	path := buildArchive(t)
	f, err := filter.New(filter.Options{Exclude: []string{`(?m)^From: bob@`}})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := analyse(path, f)
	if err != nil {
		t.Fatalf("analyse() error = %v", err)
	}
	if rep.messages != 2 || rep.skipped != 1 {
		t.Errorf("messages=%d skipped=%d", rep.messages, rep.skipped)
	}
}

func TestMboxStatsCmd(t *testing.T) {
	path := buildArchive(t)
	reportDir := filepath.Join(t.TempDir(), "reports")

	cmd := NewMboxStatsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path, "--output", reportDir, "--top", "1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if !strings.Contains(out.String(), "Processed 3 messages") {
		t.Errorf("output missing message count:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "1. alice@example.com (2)") {
		t.Errorf("output missing top sender:\n%s", out.String())
	}

	data, err := os.ReadFile(filepath.Join(reportDir, "report_delivered_to.csv"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if string(data) != "Value,Count\n" {
		t.Errorf("report_delivered_to.csv = %q", data)
	}

	data, err = os.ReadFile(filepath.Join(reportDir, "report_subject.csv"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if want := "Value,Count\nHello,2\nGrüße,1\n"; string(data) != want {
		t.Errorf("report_subject.csv = %q, want %q", data, want)
	}
}

func TestMboxStatsCmd_MissingFile(t *testing.T) {
	cmd := NewMboxStatsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.mbox"), "--output", t.TempDir()})
	if err := cmd.Execute(); err == nil {
		t.Error("Execute() succeeded for a missing file")
	}
}

func TestNormalizeHeaderName(t *testing.T) {
	if got := normalizeHeaderName("Delivered-To"); got != "delivered_to" {
		t.Errorf("normalizeHeaderName() = %q", got)
	}
}
