package eml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{name: "plain", subject: "Hello World", want: "Hello_World"},
		{name: "empty", subject: "", want: "No_Subject"},
		{name: "whitespace only", subject: "   ", want: "No_Subject"},
		{name: "path characters", subject: "Re: a/b\\c", want: "Re__a_b_c"},
		{name: "unicode letters kept", subject: "Grüße", want: "Grüße"},
		{name: "truncated", subject: strings.Repeat("x", 80), want: strings.Repeat("x", 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeSubject(tt.subject); got != tt.want {
				t.Errorf("SanitizeSubject(%q) = %q, want %q", tt.subject, got, tt.want)
			}
		})
	}
}

func TestFolderDir(t *testing.T) {
	tests := []struct {
		folder string
		want   string
	}{
		{folder: "INBOX", want: "INBOX"},
		{folder: "INBOX/Archive", want: "INBOX_Archive"},
		{folder: `a:b*c?d"e<f>g|h\i`, want: "a_b_c_d_e_f_g_h_i"},
		{folder: ".", want: "_"},
		{folder: "..", want: "_"},
		{folder: "", want: "_"},
	}

	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			if got := FolderDir(tt.folder); got != tt.want {
				t.Errorf("FolderDir(%q) = %q, want %q", tt.folder, got, tt.want)
			}
		})
	}
}

func TestFilename_SameSubjectDifferentID(t *testing.T) {
	a := Filename("1", "Weekly report")
	b := Filename("2", "Weekly report")
	if a == b {
		t.Fatalf("filenames collide: %s", a)
	}
	if a != "1_Weekly_report.eml" {
		t.Errorf("Filename() = %q", a)
	}
}

func TestWriter_Write(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")

	rel, err := w.Write("INBOX/Sub", "42", raw, "hi")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if want := filepath.Join("INBOX_Sub", "42_hi.eml"); rel != want {
		t.Errorf("Write() path = %q, want %q", rel, want)
	}

	got, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(raw) {
		t.Errorf("content mismatch: %q", got)
	}

	entries, err := os.ReadDir(filepath.Join(root, "INBOX_Sub"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if IsTemp(e.Name()) {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestWriter_WriteAsOverwrites(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)
	rel := filepath.Join("INBOX", "7_old.eml")

	if err := w.WriteAs(rel, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteAs(rel, []byte("second")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want second", got)
	}
}

func TestWriter_RejectsEscapingPaths(t *testing.T) {
	w := NewWriter(t.TempDir())
	for _, rel := range []string{"", "../x.eml", "/abs.eml"} {
		if err := w.WriteAs(rel, []byte("x")); err == nil {
			t.Errorf("WriteAs(%q) succeeded", rel)
		}
	}
	if _, err := w.Write("INBOX", " ", []byte("x"), "s"); err == nil {
		t.Error("Write() with empty id succeeded")
	}
}

func TestIsTemp(t *testing.T) {
	if !IsTemp(".1_a.eml.tmp-12345") {
		t.Error("temp name not detected")
	}
	if IsTemp("1_a.eml") {
		t.Error("regular name reported as temp")
	}
}

func TestParseHints(t *testing.T) {
	raw := []byte("Return-Path: <bounce@example.org>\r\n" +
		"From: Alice <alice@example.com>\r\n" +
		"Subject: =?UTF-8?B?R3LDvMOfZQ==?=\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"\r\n" +
		"body\r\n")

	hints := ParseHints(raw)
	if hints.Subject != "Grüße" {
		t.Errorf("Subject = %q, want decoded Grüße", hints.Subject)
	}
	want := time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC)
	if !hints.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", hints.Date, want)
	}
	if hints.Sender != "bounce@example.org" {
		t.Errorf("Sender = %q", hints.Sender)
	}
}

func TestParseHints_FallsBackToFrom(t *testing.T) {
	hints := ParseHints([]byte("From: bob@example.com\nSubject: x\n\nbody\n"))
	if hints.Sender != "bob@example.com" {
		t.Errorf("Sender = %q", hints.Sender)
	}
	if !hints.Date.IsZero() {
		t.Errorf("Date = %v, want zero", hints.Date)
	}
}

func TestParseHints_Garbage(t *testing.T) {
	hints := ParseHints([]byte("\x00\x01 not a header"))
	if hints.Sender != "" || !hints.Date.IsZero() {
		t.Errorf("unexpected hints from garbage: %+v", hints)
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain subject", want: "plain subject"},
		{in: "=?UTF-8?B?R3LDvMOfZQ==?=", want: "Grüße"},
		{in: "=?ISO-8859-1?Q?Caf=E9?=", want: "Café"},
	}
	for _, tt := range tests {
		if got := DecodeText(tt.in); got != tt.want {
			t.Errorf("DecodeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
