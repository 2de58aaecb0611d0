package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/download"
	"github.com/dhcgn/imap-to-mbox/eml"
	"github.com/dhcgn/imap-to-mbox/filter"
	"github.com/dhcgn/imap-to-mbox/imap"
	"github.com/dhcgn/imap-to-mbox/mbox"
	"github.com/dhcgn/imap-to-mbox/model"
	"github.com/dhcgn/imap-to-mbox/session"
	"github.com/dhcgn/imap-to-mbox/state"
	"github.com/dhcgn/imap-to-mbox/stats"
)

var ErrNoFolders = errors.New("no folders selected for download")

type StageFunc func(context.Context) error

// Session is a mailbox connection the runner owns and closes.
type Session interface {
	session.MailboxSession
	Close() error
}

type Dialer func(ctx context.Context) (Session, error)

type stage struct {
	name string
	fn   StageFunc
}

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	store  *state.FileStore
	dial   Dialer
	stages []stage

	subMu       sync.Mutex
	subscribers []chan stats.Event
	statsWG     sync.WaitGroup

	resultsMu sync.Mutex
	results   []model.FolderResult
	archive   *model.AssembleResult

	closeEventsOnce sync.Once
	since           time.Time
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		logger: logger,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.dial = r.dialIMAP

	// Convert-only runs read the output directory and must not create it.
	if cfg.Download() {
		store, err := state.NewFileStore(cfg.OutputDir, logger)
		if err != nil {
			r.cancel()
			return nil, fmt.Errorf("metadata store: %w", err)
		}
		r.store = store
		r.AddStage("download", r.download)
	}
	if cfg.Convert {
		r.AddStage("convert", r.convert)
	}
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// Results returns the per-folder outcome of the download stage.
func (r *Runner) Results() []model.FolderResult {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	return append([]model.FolderResult(nil), r.results...)
}

// Archive returns the assembled archive, nil when convert did not run.
func (r *Runner) Archive() *model.AssembleResult {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	return r.archive
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subscribers := r.subscribers
	r.subMu.Unlock()

	for _, ch := range subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event on its own channel.
// Subscriptions must happen before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			if r.logger != nil {
				r.logger.Warn("stats subscriber failed", "name", name, "err", err)
			}
		}
	}()
}

// AddStage appends a stage. Stages run one after another in Start.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs every stage and returns the combined error of the run. A
// failed stage stops the run unless ContinueOnError is set.
func (r *Runner) Start() error {
	r.since = time.Now()

	var errs []error
	for _, st := range r.stages {
		if err := r.ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if r.logger != nil {
			r.logger.Debug("stage started", "stage", st.name)
		}
		if err := st.fn(r.ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s stage: %w", st.name, err))
			if !r.cfg.ContinueOnError || errors.Is(err, context.Canceled) {
				break
			}
		}
	}

	r.closeEvents()
	r.statsWG.Wait()
	r.cancel()

	err := errors.Join(errs...)
	duration := time.Since(r.since)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("run failed", "duration", duration, "err", err)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("run completed", "duration", duration)
	}
	return nil
}

func (r *Runner) dialIMAP(ctx context.Context) (Session, error) {
	s, err := imap.Dial(ctx, imap.Options{
		Host:               r.cfg.Host,
		Port:               r.cfg.Port,
		Username:           r.cfg.Username,
		Password:           r.cfg.Password,
		UseTLS:             r.cfg.UseTLS,
		InsecureSkipVerify: r.cfg.InsecureSkipVerify,
	}, r.logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Runner) download(ctx context.Context) (err error) {
	defer func() {
		if perr := r.store.Persist(""); perr != nil {
			err = errors.Join(err, fmt.Errorf("persist metadata: %w", perr))
		}
	}()

	sess, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if sess != nil {
			_ = sess.Close()
		}
	}()

	folders, err := r.resolveFolders(ctx, sess)
	if err != nil {
		return err
	}

	downloader := download.New(r.store, eml.NewWriter(r.cfg.OutputDir), r.logger, r)
	opts := download.Options{
		StartMessage:  r.cfg.StartMessage,
		MaxEmails:     r.cfg.MaxEmails,
		BatchSize:     r.cfg.BatchSize,
		DownloadAll:   r.cfg.DownloadAll,
		KeepFilenames: r.cfg.KeepFilenames,
	}

	var errs []error
	for i, folder := range folders {
		res := downloader.DownloadFolder(ctx, sess, folder, opts)
		r.resultsMu.Lock()
		r.results = append(r.results, res)
		r.resultsMu.Unlock()

		if res.Err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("folder %s: %w", folder, res.Err))
		if !r.cfg.ContinueOnError || ctx.Err() != nil {
			break
		}
		if errors.Is(res.Err, session.ErrSessionLost) && i < len(folders)-1 {
			_ = sess.Close()
			sess = nil
			if r.logger != nil {
				r.logger.Warn("session lost, reconnecting", "folder", folder)
			}
			if sess, err = r.dial(ctx); err != nil {
				errs = append(errs, fmt.Errorf("reconnect: %w", err))
				break
			}
		}
	}

	if r.logger != nil {
		snap := r.store.Snapshot()
		r.logger.Info("download finished", "folders", len(folders), "archivedMessages", snap.Messages)
	}
	return errors.Join(errs...)
}

// resolveFolders picks explicit folders as given; otherwise every listed
// folder that passes the include/exclude filters.
func (r *Runner) resolveFolders(ctx context.Context, sess Session) ([]string, error) {
	if len(r.cfg.Folders) > 0 {
		return r.cfg.Folders, nil
	}

	f, err := filter.New(filter.Options{Include: r.cfg.IncludeFolders, Exclude: r.cfg.ExcludeFolders})
	if err != nil {
		return nil, fmt.Errorf("folder filter: %w", err)
	}

	listed, err := sess.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	folders := f.Apply(listed)
	if f.Active() && r.logger != nil {
		r.logger.Info("folders filtered", "listed", len(listed), "selected", len(folders))
	}
	if len(folders) == 0 {
		return nil, ErrNoFolders
	}
	return folders, nil
}

func (r *Runner) convert(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	assembler := mbox.NewAssembler(r.logger, r)
	res, err := assembler.AssembleRoot(r.cfg.OutputDir, mbox.AssembleOptions{
		Folder: r.cfg.ConvertFolder,
		Output: r.cfg.MboxFile,
		Name:   r.cfg.Username,
	})
	if err != nil {
		return err
	}

	r.resultsMu.Lock()
	r.archive = &res
	r.resultsMu.Unlock()

	if count, cerr := mbox.CountMessages(res.Output); cerr != nil {
		if r.logger != nil {
			r.logger.Warn("archive verification failed", "path", res.Output, "err", cerr)
		}
	} else if count != res.MessagesWritten && r.logger != nil {
		r.logger.Warn("archive message count mismatch", "path", res.Output, "written", res.MessagesWritten, "read", count)
	}
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}
