// Package download pulls the messages of one remote folder into the local
// archive, skipping everything the metadata store already knows about.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/imap-to-mbox/eml"
	"github.com/dhcgn/imap-to-mbox/model"
	"github.com/dhcgn/imap-to-mbox/session"
	"github.com/dhcgn/imap-to-mbox/state"
	"github.com/dhcgn/imap-to-mbox/stats"
)

const DefaultBatchSize = 1000

type EventSink interface {
	EmitEvent(evt stats.Event)
}

type Options struct {
	// StartMessage is a 1-based offset into the enumerated identifiers.
	StartMessage int
	// MaxEmails caps the candidate list. Negative means unlimited, zero
	// enumerates without fetching.
	MaxEmails int
	BatchSize int
	// DownloadAll ignores the store when choosing candidates.
	DownloadAll bool
	// KeepFilenames makes DownloadAll rewrite messages under the filename
	// recorded by an earlier run. Otherwise a re-fetched message is named
	// from its current subject and its record replaced once written.
	KeepFilenames bool
}

type Downloader struct {
	store  state.Store
	writer *eml.Writer
	logger *slog.Logger
	sink   EventSink
	now    func() time.Time
}

func New(store state.Store, writer *eml.Writer, logger *slog.Logger, sink EventSink) *Downloader {
	return &Downloader{
		store:  store,
		writer: writer,
		logger: logger,
		sink:   sink,
		now:    time.Now,
	}
}

// DownloadFolder fetches the new messages of folder. Failures of single
// messages end up in Failed; a lost session or cancelled context stops the
// folder and is reported in Err together with the partial counts.
func (d *Downloader) DownloadFolder(ctx context.Context, s session.MailboxSession, folder string, opts Options) model.FolderResult {
	result := model.FolderResult{Folder: folder}

	selected, err := s.SelectFolder(ctx, folder)
	if err != nil {
		return d.abort(result, fmt.Errorf("select folder %s: %w", folder, err))
	}
	if d.store.SetUIDValidity(folder, selected.UIDValidity) {
		d.warn("folder uid validity changed; new messages reusing archived uids will be skipped until a run with --download-all",
			"folder", folder, "uidValidity", selected.UIDValidity)
	}

	ids, err := s.MessageIDs(ctx, folder)
	if err != nil {
		return d.abort(result, fmt.Errorf("list messages of %s: %w", folder, err))
	}
	ids = window(ids, opts.StartMessage, opts.MaxEmails)

	candidates := make([]string, 0, len(ids))
	for _, id := range ids {
		if !opts.DownloadAll && d.store.Contains(folder, id) {
			result.Skipped++
			d.emit(stats.Event{Stage: stats.StageDownload, Type: stats.EventTypeDuplicate, Folder: folder, MessageID: id})
			continue
		}
		candidates = append(candidates, id)
	}
	result.Candidates = len(candidates)

	d.emit(stats.Event{Stage: stats.StageDownload, Type: stats.EventTypeFolderStarted, Folder: folder, Count: len(candidates)})
	if d.logger != nil {
		d.logger.Info("downloading folder", "folder", folder, "messages", selected.Messages,
			"candidates", len(candidates), "skipped", result.Skipped)
	}

	if len(candidates) == 0 {
		d.emit(stats.Event{Stage: stats.StageDownload, Type: stats.EventTypeFolderDone, Folder: folder})
		return result
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := min(start+batchSize, len(candidates))
		fatal := d.downloadBatch(ctx, s, folder, candidates[start:end], opts, &result)

		if err := d.store.Persist(folder); err != nil {
			return d.abort(result, errors.Join(fatal, fmt.Errorf("persist metadata: %w", err)))
		}
		if fatal != nil {
			return d.abort(result, fatal)
		}
		if d.logger != nil {
			d.logger.Debug("batch complete", "folder", folder, "from", start+1, "to", end, "fetched", result.Fetched)
		}
	}

	if d.logger != nil {
		d.logger.Info("folder complete", "folder", folder, "fetched", result.Fetched,
			"skipped", result.Skipped, "failed", len(result.Failed))
	}
	d.emit(stats.Event{Stage: stats.StageDownload, Type: stats.EventTypeFolderDone, Folder: folder})
	return result
}

// downloadBatch returns a non-nil error only when the remaining work of the
// folder has to be abandoned.
func (d *Downloader) downloadBatch(ctx context.Context, s session.MailboxSession, folder string, ids []string, opts Options, result *model.FolderResult) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := d.downloadMessage(ctx, s, folder, id, opts)
		if err == nil {
			result.Fetched++
			d.emit(stats.Event{Stage: stats.StageDownload, Type: stats.EventTypeFetched, Folder: folder, MessageID: id})
			continue
		}
		if errors.Is(err, session.ErrSessionLost) || ctx.Err() != nil {
			return err
		}

		result.Failed = append(result.Failed, id)
		d.warn("message download failed", "folder", folder, "id", id, "err", err)
		d.emit(stats.Event{Stage: stats.StageDownload, Type: stats.EventTypeFailed, Folder: folder, MessageID: id, Err: err})
	}
	return nil
}

func (d *Downloader) downloadMessage(ctx context.Context, s session.MailboxSession, folder, id string, opts Options) error {
	msg, err := s.FetchMessage(ctx, folder, id)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	var filename string
	if prev, ok := d.store.Lookup(folder, id); ok && opts.DownloadAll && opts.KeepFilenames {
		filename = prev.Filename
		err = d.writer.WriteAs(filename, msg.Raw)
	} else {
		filename, err = d.writer.Write(folder, id, msg.Raw, msg.Subject)
	}
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	return d.store.RecordSuccess(folder, model.MessageRecord{
		ID:          id,
		Filename:    filename,
		Size:        int64(len(msg.Raw)),
		RetrievedAt: d.now().UTC(),
	})
}

func (d *Downloader) abort(result model.FolderResult, err error) model.FolderResult {
	result.Err = err
	if d.logger != nil {
		d.logger.Error("folder download aborted", "folder", result.Folder, "fetched", result.Fetched, "err", err)
	}
	d.emit(stats.Event{Stage: stats.StageDownload, Type: stats.EventTypeFolderFailed, Folder: result.Folder, Err: err})
	return result
}

func (d *Downloader) warn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}

func (d *Downloader) emit(evt stats.Event) {
	if d.sink != nil {
		d.sink.EmitEvent(evt)
	}
}

// window applies the 1-based start offset and then the count limit.
func window(ids []string, start, limit int) []string {
	if start > 1 {
		if start > len(ids) {
			return nil
		}
		ids = ids[start-1:]
	}
	if limit >= 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}
