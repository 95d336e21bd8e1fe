package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"mlc-go/internal/archive"
	"mlc-go/internal/config"
	"mlc-go/internal/database"
	"mlc-go/internal/encryption"
	"mlc-go/internal/fs"
	"mlc-go/internal/mlc"
	"mlc-go/internal/provider"
)

// ErrOutsideStorageRoot is returned for targets that do not resolve to a
// package directory beneath storage_root.
var ErrOutsideStorageRoot = errors.New("target is outside the storage root")

// LockDirName is the directory under base_dir holding per-target lock files.
const LockDirName = "locks"

// progressBuffer is the subscriber buffer used while rendering progress.
const progressBuffer = 16

// MLCApp is the application layer between the CLI and the mlc drivers.
// It constructs all dependencies from config, exposes blocking operations
// that accept raw location strings, and releases resources on Close.
type MLCApp struct {
	cfg        *config.Config
	inv        *Invocation
	store      *fs.LocalStorage
	registry   *provider.Registry
	journal    mlc.Journal
	encryptor  mlc.Encryptor
	locker     mlc.Locker
	logger     mlc.Logger
	ignore     atomic.Pointer[fs.IgnoreMatcher]
	installer  *mlc.Installer
	deleter    *mlc.Deleter
	compressor *mlc.Compressor
	logFile    *os.File
}

// NewMLCApp creates a fully wired MLCApp from the given config.
// operation and args identify the CLI command being run (e.g. "Install").
// The caller must call Close when done.
func NewMLCApp(ctx context.Context, cfg *config.Config, operation string, args ...string) (*MLCApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z") + "-" + mlc.UUIDGenerator{}.New()[:8]
	inv := NewInvocation(opID, operation, args...)

	l, logFile, err := newLogger(cfg.LogDir, opID, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	store := fs.NewLocalStorage()
	registry, err := provider.NewRegistryFromConfig(ctx, store, cfg.Providers)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating providers: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	journal, err := database.NewJournalFromConfig(cfg.Database, mlc.RealClock{})
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	a := &MLCApp{
		cfg:       cfg,
		inv:       inv,
		store:     store,
		registry:  registry,
		journal:   journal,
		encryptor: enc,
		locker:    fs.NewFileLocker(Paths{BaseDir: cfg.BaseDir}.LockDir(), time.Duration(cfg.Install.LockTimeoutSeconds)*time.Second),
		logger:    logger,
		logFile:   logFile,
	}

	enumerator := mlc.NewEnumerator(cfg.Install.Subtrees, ignoreRef{&a.ignore})
	a.installer = mlc.NewInstaller(registry, store, enumerator, journal, a.locker, logger, mlc.UUIDGenerator{}, cfg.Install.BufferSize)
	a.deleter = mlc.NewDeleter(registry, journal, logger, mlc.UUIDGenerator{})

	var archiveEnc mlc.Encryptor
	if cfg.Compress.Encrypt {
		archiveEnc = enc
	}
	engine := archive.NewEngine(store, archiveEnc, mlc.RealClock{})
	a.compressor = mlc.NewCompressor(engine, time.Duration(cfg.Compress.PollIntervalMs)*time.Millisecond, journal, logger)

	logger.Info("command started", "command", inv.Command, "args", inv.Args)
	return a, nil
}

// Config returns the validated config the app was built from.
func (a *MLCApp) Config() *config.Config {
	return a.cfg
}

// Invocation returns the record of the running command.
func (a *MLCApp) Invocation() *Invocation {
	return a.inv
}

// Provider returns the storage registered for scheme.
func (a *MLCApp) Provider(scheme string) (mlc.Storage, error) {
	return a.registry.Storage(mlc.Location{Kind: mlc.ProviderURI, Scheme: scheme})
}

// ResolveTarget maps raw to an absolute package directory under storage_root.
// Relative paths are taken relative to storage_root.
func (a *MLCApp) ResolveTarget(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if strings.Contains(p, "://") {
		loc, err := mlc.ParseLocation(p)
		if err != nil {
			return "", err
		}
		if loc.Kind != mlc.LocalPath {
			return "", fmt.Errorf("target %q must be a local path", raw)
		}
		p = loc.Path
	}
	if p == "" {
		return "", errors.New("empty target")
	}

	root := filepath.Clean(a.cfg.StorageRoot)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideStorageRoot, raw)
	}
	if mlc.IsSwapArtifact(p) {
		return "", fmt.Errorf("target %q names a reserved backup, marker or quarantine path", raw)
	}
	return p, nil
}

// resolveLocation parses raw as a provider URI, or as a target under
// storage_root otherwise.
func (a *MLCApp) resolveLocation(raw string) (mlc.Location, error) {
	loc, err := mlc.ParseLocation(raw)
	if err != nil {
		return mlc.Location{}, err
	}
	if loc.Kind == mlc.ProviderURI {
		return loc, nil
	}
	target, err := a.ResolveTarget(raw)
	if err != nil {
		return mlc.Location{}, err
	}
	return mlc.Location{Kind: mlc.LocalPath, Path: target}, nil
}

// Install installs the package at rawSource into rawTarget and blocks until the
// install settles. onProgress, if set, receives every byte progress update.
// When ctx is done the install is cancelled, its rollback is awaited and
// ctx.Err() is returned.
func (a *MLCApp) Install(ctx context.Context, rawSource, rawTarget string, onProgress func(mlc.InstallProgress)) error {
	return a.inv.Record(a.install(ctx, rawSource, rawTarget, onProgress))
}

func (a *MLCApp) install(ctx context.Context, rawSource, rawTarget string, onProgress func(mlc.InstallProgress)) error {
	src, err := mlc.ParseLocation(rawSource)
	if err != nil {
		return fmt.Errorf("parsing source: %w", err)
	}
	target, err := a.ResolveTarget(rawTarget)
	if err != nil {
		return err
	}
	matcher, err := a.sourceIgnore(src)
	if err != nil {
		return err
	}
	if err := a.store.MkdirAll(ctx, filepath.Clean(a.cfg.StorageRoot)); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}

	if a.installer.State() == mlc.Installing {
		return mlc.ErrBusy
	}
	a.ignore.Store(matcher)

	updates, stop := a.installer.Progress().Subscribe(progressBuffer)
	defer stop()

	done := make(chan error, 1)
	if !a.installer.Install(src, target, func(_ mlc.InstallOutcome, err error) { done <- err }) {
		return mlc.ErrBusy
	}
	return await(ctx, done, updates, onProgress, a.installer.Cancel, a.installer.Wait)
}

// sourceIgnore compiles the configured ignore patterns plus the ignore file at
// the root of a local source.
func (a *MLCApp) sourceIgnore(src mlc.Location) (*fs.IgnoreMatcher, error) {
	patterns := slices.Clone(a.cfg.Filesystem.Ignore)
	if src.Kind == mlc.LocalPath {
		extra, err := fs.ParseIgnoreFile(filepath.Join(src.Path, fs.IgnoreFileName))
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, extra...)
	}
	m, err := fs.NewIgnoreMatcher(patterns)
	if err != nil {
		return nil, fmt.Errorf("compiling ignore rules: %w", err)
	}
	return m, nil
}

// Delete removes the package at raw, either a target under storage_root or a
// provider URI, and blocks until it is gone. Local targets are locked against
// concurrent installs from other processes while they are removed.
func (a *MLCApp) Delete(ctx context.Context, raw string) error {
	return a.inv.Record(a.delete(ctx, raw))
}

func (a *MLCApp) delete(ctx context.Context, raw string) error {
	loc, err := a.resolveLocation(raw)
	if err != nil {
		return err
	}
	if loc.Kind == mlc.LocalPath {
		unlock, err := a.locker.Lock(ctx, loc.Path)
		if err != nil {
			return fmt.Errorf("locking %s: %w", loc.Path, err)
		}
		defer func() {
			if err := unlock(); err != nil {
				a.logger.Warn("releasing lock failed", "target", loc.Path, "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	if !a.deleter.Delete(loc, func(_ mlc.DeleteResult, err error) { done <- err }) {
		return mlc.ErrBusy
	}
	// Deletion cannot be cancelled once started.
	return <-done
}

// Compress archives the installed package rawTarget into rawOutput, a local
// path or provider URI, and blocks until the archive is complete. onProgress,
// if set, receives the polled archive size. When ctx is done the compression
// is cancelled and ctx.Err() is returned. A failed or cancelled archive is
// removed. The package stays locked against installs and deletes until the
// archive settles.
func (a *MLCApp) Compress(ctx context.Context, rawTarget, rawOutput string, onProgress func(uint64)) error {
	return a.inv.Record(a.compress(ctx, rawTarget, rawOutput, onProgress))
}

func (a *MLCApp) compress(ctx context.Context, rawTarget, rawOutput string, onProgress func(uint64)) error {
	source, err := a.ResolveTarget(rawTarget)
	if err != nil {
		return err
	}
	unlock, err := a.locker.Lock(ctx, source)
	if err != nil {
		return fmt.Errorf("locking %s: %w", source, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			a.logger.Warn("releasing lock failed", "target", source, "error", err)
		}
	}()

	ok, err := a.store.Exists(ctx, source)
	if err != nil {
		return fmt.Errorf("checking %s: %w", source, err)
	}
	if !ok {
		return fmt.Errorf("%s is not installed", rawTarget)
	}
	if a.cfg.Compress.Encrypt && !a.encryptor.IsConfigured() {
		return errors.New("archive encryption is enabled but no keys are set up; run `mlc keys init`")
	}

	outLoc, err := mlc.ParseLocation(rawOutput)
	if err != nil {
		return fmt.Errorf("parsing output: %w", err)
	}
	if outLoc.Kind == mlc.LocalPath {
		if rel, err := filepath.Rel(source, outLoc.Path); err == nil && !strings.HasPrefix(rel, "..") {
			return fmt.Errorf("output %s is inside the package being archived", outLoc.Path)
		}
	}
	creator, err := a.registry.Creator(outLoc)
	if err != nil {
		return err
	}
	out, err := creator.Create(ctx, outLoc.Path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outLoc, err)
	}

	updates, stop := a.compressor.Progress().Subscribe(progressBuffer)
	defer stop()

	done := make(chan error, 1)
	if !a.compressor.Compress(source, out, func(_ mlc.CompressResult, err error) { done <- err }) {
		out.Close()
		return mlc.ErrBusy
	}
	err = await(ctx, done, updates, onProgress, a.compressor.Cancel, a.compressor.Wait)
	if err != nil {
		a.discard(outLoc)
	}
	return err
}

// discard removes a partial archive.
func (a *MLCApp) discard(loc mlc.Location) {
	s, err := a.registry.Storage(loc)
	if err == nil {
		err = s.Delete(context.Background(), loc.Path)
	}
	if err != nil {
		a.logger.Warn("removing partial archive failed", "output", loc.String(), "error", err)
	}
}

// ArchiveList returns the entries of the archive at raw. For encrypted
// archives passphrase is called to unlock the private key; a nil passphrase
// makes encrypted archives fail with archive.ErrLocked.
func (a *MLCApp) ArchiveList(ctx context.Context, raw string, passphrase func() (string, error)) ([]archive.Entry, error) {
	loc, err := mlc.ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	s, err := a.registry.Storage(loc)
	if err != nil {
		return nil, err
	}

	entries, err := listArchive(ctx, s, loc.Path, nil)
	if !errors.Is(err, archive.ErrLocked) || passphrase == nil {
		return entries, err
	}

	pw, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	dc, err := a.encryptor.Unlock(pw)
	if err != nil {
		return nil, fmt.Errorf("unlocking key: %w", err)
	}
	return listArchive(ctx, s, loc.Path, dc)
}

func listArchive(ctx context.Context, s mlc.Storage, handle string, dc mlc.DecryptionContext) ([]archive.Entry, error) {
	r, err := s.Open(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()
	return archive.List(r, dc)
}

// SetupKeys generates the archive encryption key pair, protecting the
// private key with passphrase. Existing keys are never overwritten.
func (a *MLCApp) SetupKeys(passphrase string) error {
	if a.encryptor.IsConfigured() {
		return a.inv.Record(errors.New("encryption keys already exist"))
	}
	return a.inv.Record(a.encryptor.Setup(passphrase))
}

// TargetStatus describes the on-disk state of a target together with the
// journal entries that need attention.
type TargetStatus struct {
	mlc.TargetState

	// Interrupted lists operations on the target that started but never finished.
	Interrupted []*mlc.Operation

	// RollbackFailures lists failed rollbacks of the target.
	RollbackFailures []*mlc.Operation
}

// statusLister is implemented by journals that can filter by status.
type statusLister interface {
	ListOperationsByStatus(target string, status mlc.OperationStatus) ([]*mlc.Operation, error)
}

// Status inspects rawTarget without changing anything.
func (a *MLCApp) Status(ctx context.Context, rawTarget string) (*TargetStatus, error) {
	target, err := a.ResolveTarget(rawTarget)
	if err != nil {
		return nil, err
	}
	st, err := a.installer.Swapper().Inspect(ctx, target)
	if err != nil {
		return nil, err
	}
	status := &TargetStatus{TargetState: *st}

	if sl, ok := a.journal.(statusLister); ok {
		if status.Interrupted, err = sl.ListOperationsByStatus(target, mlc.StatusStarted); err != nil {
			return nil, fmt.Errorf("reading journal: %w", err)
		}
		if status.RollbackFailures, err = sl.ListOperationsByStatus(target, mlc.StatusRollbackFailed); err != nil {
			return nil, fmt.Errorf("reading journal: %w", err)
		}
	}
	return status, nil
}

// Recover reconciles a backup slot left behind by an interrupted install of
// rawTarget and blocks until it is done.
func (a *MLCApp) Recover(rawTarget string) (mlc.ReconcileAction, error) {
	target, err := a.ResolveTarget(rawTarget)
	if err != nil {
		return mlc.ReconcileNone, a.inv.Record(err)
	}

	type result struct {
		action mlc.ReconcileAction
		err    error
	}
	done := make(chan result, 1)
	if !a.installer.Recover(target, func(action mlc.ReconcileAction, err error) { done <- result{action, err} }) {
		return mlc.ReconcileNone, a.inv.Record(mlc.ErrBusy)
	}
	r := <-done
	return r.action, a.inv.Record(r.err)
}

// History returns the most recent journaled operations, newest first.
func (a *MLCApp) History(limit int) ([]*mlc.Operation, error) {
	return a.journal.ListOperations(limit)
}

// journalMaintainer is implemented by journals kept in a database file.
type journalMaintainer interface {
	Path() string
	CheckMigrations() error
	BackupTo(destPath string) error
}

func (a *MLCApp) maintainer() (journalMaintainer, error) {
	jm, ok := a.journal.(journalMaintainer)
	if !ok {
		return nil, fmt.Errorf("journal type %q does not support maintenance", a.cfg.Database.Type)
	}
	return jm, nil
}

// CheckJournal verifies that the journal schema is current and returns the
// journal's path.
func (a *MLCApp) CheckJournal() (string, error) {
	jm, err := a.maintainer()
	if err != nil {
		return "", a.inv.Record(err)
	}
	if err := jm.CheckMigrations(); err != nil {
		return jm.Path(), a.inv.Record(err)
	}
	return jm.Path(), nil
}

// BackupJournal writes a consistent copy of the journal to dest, which must
// not exist yet.
func (a *MLCApp) BackupJournal(dest string) error {
	jm, err := a.maintainer()
	if err != nil {
		return a.inv.Record(err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return a.inv.Record(fmt.Errorf("resolving %s: %w", dest, err))
	}
	if _, err := os.Stat(abs); err == nil {
		return a.inv.Record(fmt.Errorf("%s already exists", abs))
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return a.inv.Record(fmt.Errorf("creating %s: %w", filepath.Dir(abs), err))
	}
	return a.inv.Record(jm.BackupTo(abs))
}

// Close waits for background work, including scheduled rollbacks, then closes
// the journal and the log file.
func (a *MLCApp) Close() error {
	a.installer.Wait()
	a.deleter.Wait()
	a.compressor.Wait()

	a.logger.Info("command finished", "command", a.inv.Command, "status", a.inv.Status)

	var firstErr error
	if err := a.journal.Close(); err != nil {
		firstErr = fmt.Errorf("closing journal: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// await blocks until done delivers a result, forwarding progress updates.
// When ctx is done it calls cancel and wait; a result that arrived in the
// meantime wins over ctx.Err().
func await[T any](ctx context.Context, done <-chan error, updates <-chan mlc.Update[T], onProgress func(T), cancel, wait func()) error {
	for {
		select {
		case err := <-done:
			return err
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if u.Valid && onProgress != nil {
				onProgress(u.Value)
			}
		case <-ctx.Done():
			cancel()
			wait()
			select {
			case err := <-done:
				return err
			default:
				return ctx.Err()
			}
		}
	}
}

// ignoreRef lets the installer's enumerator use the matcher of the source
// being installed. The matcher is only replaced while no install is live.
type ignoreRef struct {
	p *atomic.Pointer[fs.IgnoreMatcher]
}

func (r ignoreRef) Match(rel string) bool {
	m := r.p.Load()
	return m != nil && m.Match(rel)
}

var _ io.Closer = (*MLCApp)(nil)
