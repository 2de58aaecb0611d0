// Package eml stores individual messages as .eml files under the output
// directory, one sub-directory per remote folder.
package eml

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	// Extension of every stored message file.
	Extension = ".eml"

	maxSubjectRunes = 50
	defaultSubject  = "No_Subject"
)

// Writer writes raw messages below a root directory, all or nothing.
type Writer struct {
	root string
}

func NewWriter(outputDir string) *Writer {
	return &Writer{root: outputDir}
}

func (w *Writer) Root() string {
	return w.root
}

// Write stores raw under <folder>/<id>_<subject>.eml and returns that path
// relative to the root.
func (w *Writer) Write(folder, id string, raw []byte, subject string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("message identifier is empty")
	}
	rel := filepath.Join(FolderDir(folder), Filename(id, subject))
	if err := w.WriteAs(rel, raw); err != nil {
		return "", err
	}
	return rel, nil
}

// WriteAs stores raw under a previously chosen relative path.
func (w *Writer) WriteAs(rel string, raw []byte) error {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(filepath.Clean(rel), "..") {
		return fmt.Errorf("invalid message path %q", rel)
	}
	path := filepath.Join(w.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create folder directory: %w", err)
	}
	if err := writeFileAtomic(path, raw); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// FolderDir maps a remote folder name onto a single safe directory name.
func FolderDir(folder string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, folder)
	switch strings.TrimSpace(safe) {
	case "", ".", "..":
		return "_"
	}
	return safe
}

// Filename derives the stored name. Uniqueness comes from id alone; the
// subject part is only there for people browsing the directory.
func Filename(id, subject string) string {
	return FolderDir(id) + "_" + SanitizeSubject(subject) + Extension
}

func SanitizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return defaultSubject
	}

	var b strings.Builder
	n := 0
	for _, r := range subject {
		if n == maxSubjectRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		n++
	}
	return b.String()
}

// IsTemp reports whether name is an in-flight write left by writeFileAtomic.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
