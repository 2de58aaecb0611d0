package mbox

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dhcgn/imap-to-mbox/eml"
	"github.com/dhcgn/imap-to-mbox/model"
	"github.com/dhcgn/imap-to-mbox/stats"
)

// Extension of assembled archives.
const Extension = ".mbox"

type EventSink interface {
	EmitEvent(evt stats.Event)
}

type AssembleOptions struct {
	// Folder limits assembly to one remote folder.
	Folder string
	// Output overrides the archive path.
	Output string
	// Name is the default archive base name, usually the account.
	Name string
}

type Assembler struct {
	logger *slog.Logger
	sink   EventSink
}

func NewAssembler(logger *slog.Logger, sink EventSink) *Assembler {
	return &Assembler{logger: logger, sink: sink}
}

type source struct {
	name string
	dir  string
}

// Assemble writes every message of folderDir into outputPath.
func (a *Assembler) Assemble(folderDir, outputPath string) (model.AssembleResult, error) {
	info, err := os.Stat(folderDir)
	if err != nil {
		return model.AssembleResult{}, fmt.Errorf("folder %s: %w", folderDir, err)
	}
	if !info.IsDir() {
		return model.AssembleResult{}, fmt.Errorf("folder %s: not a directory", folderDir)
	}
	return a.write(outputPath, []source{{name: filepath.Base(folderDir), dir: folderDir}})
}

// AssembleRoot assembles the output directory of a download run: one named
// folder, or every folder in name order.
func (a *Assembler) AssembleRoot(root string, opts AssembleOptions) (model.AssembleResult, error) {
	info, err := os.Stat(root)
	if err != nil {
		return model.AssembleResult{}, fmt.Errorf("email directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return model.AssembleResult{}, fmt.Errorf("email directory %s: not a directory", root)
	}

	var sources []source
	if opts.Folder != "" {
		src, err := findFolder(root, opts.Folder)
		if err != nil {
			return model.AssembleResult{}, err
		}
		sources = []source{src}
	} else {
		sources, err = a.discover(root)
		if err != nil {
			return model.AssembleResult{}, err
		}
	}

	output := opts.Output
	if output == "" {
		output = filepath.Join(root, defaultName(root, opts)+Extension)
	}
	return a.write(output, sources)
}

func findFolder(root, folder string) (source, error) {
	for _, name := range []string{eml.FolderDir(folder), folder} {
		dir := filepath.Join(root, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return source{name: folder, dir: dir}, nil
		}
	}
	return source{}, fmt.Errorf("%w: %s in %s", ErrFolderNotFound, folder, root)
}

func (a *Assembler) discover(root string) ([]source, error) {
	items, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	var sources []source
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		sources = append(sources, source{name: item.Name(), dir: filepath.Join(root, item.Name())})
	}
	if len(sources) > 0 {
		return sources, nil
	}

	// Flat layout: messages directly in the root.
	entries, err := listEntries(root)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return []source{{name: filepath.Base(root), dir: root}}, nil
	}

	if a.logger != nil {
		a.logger.Warn("no folders found, writing empty archive", "dir", root)
	}
	return nil, nil
}

func defaultName(root string, opts AssembleOptions) string {
	if opts.Folder != "" {
		return eml.FolderDir(opts.Folder)
	}
	if opts.Name != "" {
		return eml.FolderDir(opts.Name)
	}
	if abs, err := filepath.Abs(root); err == nil {
		return eml.FolderDir(filepath.Base(abs))
	}
	return "archive"
}

func (a *Assembler) write(outputPath string, sources []source) (result model.AssembleResult, err error) {
	result.Output = outputPath
	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("create output directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return result, fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriterSize(tmp, 256*1024)
	for _, src := range sources {
		written, skipped, ferr := a.writeFolder(w, src)
		result.MessagesWritten += written
		result.Skipped += skipped
		if ferr != nil {
			return result, ferr
		}
	}

	if err = w.Flush(); err != nil {
		return result, fmt.Errorf("flush archive: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return result, fmt.Errorf("sync archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return result, fmt.Errorf("close archive: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return result, fmt.Errorf("chmod archive: %w", err)
	}
	if err = os.Rename(tmpName, outputPath); err != nil {
		return result, fmt.Errorf("rename archive: %w", err)
	}

	if a.logger != nil {
		a.logger.Info("archive written", "path", outputPath, "messages", result.MessagesWritten, "skipped", result.Skipped)
	}
	return result, nil
}

// writeFolder only fails on output errors; unreadable inputs are counted.
func (a *Assembler) writeFolder(w *bufio.Writer, src source) (written, skipped int, err error) {
	entries, err := listEntries(src.dir)
	if err != nil {
		return 0, 0, err
	}
	if a.logger != nil {
		a.logger.Info("converting folder", "folder", src.name, "files", len(entries))
	}

	for _, e := range entries {
		content, rerr := os.ReadFile(e.path)
		if rerr == nil && len(content) == 0 {
			rerr = errors.New("empty message file")
		}
		if rerr != nil {
			skipped++
			if a.logger != nil {
				a.logger.Warn("skipping message file", "path", e.path, "err", rerr)
			}
			a.emit(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeUnreadable, Folder: src.name, MessageID: e.id, Err: rerr})
			continue
		}

		envelope, body := splitEnvelope(content)
		if envelope == "" {
			hints := eml.ParseHints(content)
			envelope = EnvelopeLine(hints.Sender, hints.Date)
		}
		if err := writeMessage(w, envelope, body); err != nil {
			return written, skipped, fmt.Errorf("write %s: %w", e.path, err)
		}
		written++
		a.emit(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeWritten, Folder: src.name, MessageID: e.id})
	}
	return written, skipped, nil
}

func (a *Assembler) emit(evt stats.Event) {
	if a.sink != nil {
		a.sink.EmitEvent(evt)
	}
}

type entry struct {
	id      string
	num     uint64
	numeric bool
	name    string
	path    string
}

// listEntries returns the .eml files of dir ordered by the identifier
// embedded in their names.
func listEntries(dir string) ([]entry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var entries []entry
	for _, item := range items {
		name := item.Name()
		// Symlinks are kept so that broken ones are reported as unreadable.
		if !item.Type().IsRegular() && item.Type()&os.ModeSymlink == 0 {
			continue
		}
		if eml.IsTemp(name) || !strings.EqualFold(filepath.Ext(name), eml.Extension) {
			continue
		}
		entries = append(entries, newEntry(dir, name))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].less(entries[j])
	})
	return entries, nil
}

func newEntry(dir, name string) entry {
	id := strings.TrimSuffix(name, filepath.Ext(name))
	if idx := strings.IndexByte(id, '_'); idx >= 0 {
		id = id[:idx]
	}
	e := entry{id: id, name: name, path: filepath.Join(dir, name)}
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		e.num, e.numeric = n, true
	}
	return e
}

func (e entry) less(o entry) bool {
	switch {
	case e.numeric && o.numeric:
		if e.num != o.num {
			return e.num < o.num
		}
	case e.numeric != o.numeric:
		return e.numeric
	case e.id != o.id:
		return e.id < o.id
	}
	return e.name < o.name
}
