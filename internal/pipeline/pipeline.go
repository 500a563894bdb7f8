// Package pipeline orchestrates a single account's backup run: connect,
// list folders, per-folder UID diff, download loop, progress
// publication, failure accounting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kzahedi/imap-backup/internal/account"
	"github.com/kzahedi/imap-backup/internal/headers"
	"github.com/kzahedi/imap-backup/internal/imapclient"
	"github.com/kzahedi/imap-backup/internal/logging"
	"github.com/kzahedi/imap-backup/internal/progress"
	"github.com/kzahedi/imap-backup/internal/ratelimit"
	"github.com/kzahedi/imap-backup/internal/store"
	"github.com/kzahedi/imap-backup/internal/transport"
)

// PasswordResolver resolves an account's password lazily, at the moment
// the pipeline needs to authenticate.
type PasswordResolver interface {
	Password(accountID string) (string, error)
}

// TokenResolver resolves an account's current OAuth2 access token
// lazily, refreshing as needed.
type TokenResolver interface {
	AccessToken(accountID string) (string, error)
}

// Result is the outcome of one run.
type Result struct {
	Status           progress.Status
	FoldersProcessed int
	EmailsDownloaded int
	BytesDownloaded  uint64
	Errors           []string
}

// Pipeline runs backups for a single account against a shared store and
// rate-limit coordinator.
type Pipeline struct {
	store           *store.Store
	coordinator     *ratelimit.Coordinator
	passwords       PasswordResolver
	tokens          TokenResolver
	streamThreshold int64
	log             zerolog.Logger
}

// New creates a Pipeline. streamThreshold is the byte size above which a
// message is downloaded via the streaming path rather than buffered.
func New(st *store.Store, coordinator *ratelimit.Coordinator, passwords PasswordResolver, tokens TokenResolver, streamThreshold int64) *Pipeline {
	return &Pipeline{
		store:           st,
		coordinator:     coordinator,
		passwords:       passwords,
		tokens:          tokens,
		streamThreshold: streamThreshold,
		log:             logging.WithComponent("pipeline"),
	}
}

// Run executes a full backup for acct, publishing progress through pub.
// ratePreset is the effective preset for this account (override or
// global default) passed in by the caller so this package does not
// depend on settings resolution.
func (p *Pipeline) Run(ctx context.Context, acct account.Account, pub *progress.Publisher, ratePreset ratelimit.Preset) Result {
	pub.SetStatus(progress.StatusConnecting)

	cfg, err := p.BuildConfig(acct)
	if err != nil {
		pub.RecordError(err.Error())
		pub.SetStatus(progress.StatusFailed)
		return Result{Status: progress.StatusFailed, Errors: []string{err.Error()}}
	}

	tracker := p.coordinator.Tracker(acct.Host, &ratePreset)
	session := imapclient.New(cfg, tracker)

	if err := session.Connect(ctx); err != nil {
		pub.RecordError(err.Error())
		pub.SetStatus(progress.StatusFailed)
		return Result{Status: progress.StatusFailed, Errors: []string{err.Error()}}
	}
	defer session.Close()

	pub.SetStatus(progress.StatusListing)
	folders, err := session.ListFolders(ctx)
	if err != nil {
		pub.RecordError(err.Error())
		pub.SetStatus(progress.StatusFailed)
		return Result{Status: progress.StatusFailed, Errors: []string{err.Error()}}
	}

	var selectable []imapclient.FolderDescriptor
	for _, f := range folders {
		if f.Selectable() {
			selectable = append(selectable, f)
		}
	}
	pub.SetFolderTotals(len(selectable))

	var (
		foldersProcessed int
		emailsDownloaded int
		bytesDownloaded  uint64
		runErrors        []string
	)

	for _, folder := range selectable {
		if ctx.Err() != nil {
			pub.SetStatus(progress.StatusCancelled)
			return Result{
				Status:           progress.StatusCancelled,
				FoldersProcessed: foldersProcessed,
				EmailsDownloaded: emailsDownloaded,
				BytesDownloaded:  bytesDownloaded,
				Errors:           runErrors,
			}
		}

		downloaded, bytesGot, missing, folderErr := p.runFolder(ctx, acct, session, folder, pub)
		emailsDownloaded += downloaded
		bytesDownloaded += bytesGot
		if folderErr != nil {
			if errors.Is(folderErr, context.Canceled) {
				pub.SetStatus(progress.StatusCancelled)
				return Result{
					Status:           progress.StatusCancelled,
					FoldersProcessed: foldersProcessed,
					EmailsDownloaded: emailsDownloaded,
					BytesDownloaded:  bytesDownloaded,
					Errors:           runErrors,
				}
			}
			msg := fmt.Sprintf("folder %s: %v", folder.Path, folderErr)
			runErrors = append(runErrors, msg)
			pub.RecordError(msg)
		}
		_ = missing
		foldersProcessed++
		pub.FinishFolder()
	}

	// Per-message and per-folder errors are recorded but never fail the
	// run outright; only a connect/list/run-level error does that.
	pub.SetStatus(progress.StatusCompleted)

	return Result{
		Status:           progress.StatusCompleted,
		FoldersProcessed: foldersProcessed,
		EmailsDownloaded: emailsDownloaded,
		BytesDownloaded:  bytesDownloaded,
		Errors:           runErrors,
	}
}

// runFolder selects folder, diffs UIDs, and downloads everything missing.
// It returns a non-nil error only for folder-level failures (SELECT,
// SEARCH, or cancellation); per-message errors are reported through pub
// and never returned here.
func (p *Pipeline) runFolder(ctx context.Context, acct account.Account, session *imapclient.Session, folder imapclient.FolderDescriptor, pub *progress.Publisher) (downloaded int, bytesGot uint64, missing []uint32, err error) {
	pub.SetStatus(progress.StatusScanning)

	if _, err := session.SelectFolder(ctx, folder.Name); err != nil {
		return 0, 0, nil, err
	}

	serverUIDs, err := session.SearchAllUIDs(ctx)
	if err != nil {
		return 0, 0, nil, err
	}

	localUIDs, err := p.store.ExistingUIDs(acct.ID, folder.Path)
	if err != nil {
		return 0, 0, nil, err
	}

	missing = diffUIDs(serverUIDs, localUIDs)
	pub.EnterFolder(folder.Path, len(serverUIDs))
	pub.SetStatus(progress.StatusDownloading)

	for _, uid := range missing {
		if ctx.Err() != nil {
			return downloaded, bytesGot, missing, ctx.Err()
		}

		n, err := p.downloadOne(ctx, acct, session, folder.Path, uid)
		if err != nil {
			if isCancellation(err) {
				return downloaded, bytesGot, missing, err
			}
			pub.RecordError(fmt.Sprintf("uid %d in %s: %v", uid, folder.Path, err))
			continue
		}
		downloaded++
		bytesGot += n
		pub.RecordDownload(n)
	}

	return downloaded, bytesGot, missing, nil
}

// DownloadForRepair downloads and commits a single UID; it is the same
// per-message path the regular run uses, exported so the verify
// package's repair pass can restrict it to a UID set without
// duplicating the streaming-threshold and header-extraction logic.
func (p *Pipeline) DownloadForRepair(ctx context.Context, acct account.Account, session *imapclient.Session, folderPath string, uid uint32) (uint64, error) {
	return p.downloadOne(ctx, acct, session, folderPath, uid)
}

// downloadOne fetches a single message, streaming it to disk when large,
// parses its headers best-effort, and commits it to the store.
func (p *Pipeline) downloadOne(ctx context.Context, acct account.Account, session *imapclient.Session, folderPath string, uid uint32) (uint64, error) {
	useStreaming := false
	if size, err := session.FetchMessageSize(ctx, uid); err == nil && int64(size) > p.streamThreshold {
		useStreaming = true
	}

	if useStreaming {
		return p.downloadStreamed(ctx, acct, session, folderPath, uid)
	}
	return p.downloadBuffered(ctx, acct, session, folderPath, uid)
}

func (p *Pipeline) downloadBuffered(ctx context.Context, acct account.Account, session *imapclient.Session, folderPath string, uid uint32) (uint64, error) {
	body, err := session.FetchMessage(ctx, uid)
	if err != nil {
		return 0, err
	}

	meta := headers.Extract(body)
	senderSlug := headers.SenderSlug(meta.From)
	date := meta.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	if _, err := p.store.WriteMessage(acct.ID, folderPath, uid, date, senderSlug, body); err != nil {
		return 0, err
	}
	return uint64(len(body)), nil
}

func (p *Pipeline) downloadStreamed(ctx context.Context, acct account.Account, session *imapclient.Session, folderPath string, uid uint32) (uint64, error) {
	// Headers aren't known until the body is on disk, so a streamed
	// message is written under a provisional name with no sender slug.
	// It still carries a date so the filename keeps the "<uid>_<date>_"
	// shape scanUIDsFromFilenames relies on to rebuild .uid_cache from a
	// directory listing; a bare "<uid>.eml" would not match that prefix.
	handle, err := p.store.PrepareStreamingDestination(acct.ID, folderPath, uid, time.Now().UTC(), "")
	if err != nil {
		return 0, err
	}

	total, err := session.StreamMessageToWriter(ctx, uid, handle.File)
	if err != nil {
		handle.AbortStreamedFile()
		return 0, err
	}

	if err := p.store.FinalizeStreamedFile(handle); err != nil {
		return 0, err
	}
	return total, nil
}

// BuildConfig resolves credentials and assembles an imapclient.Config.
// Exported so verify can open its own session with the same credential
// resolution the regular run uses.
func (p *Pipeline) BuildConfig(acct account.Account) (imapclient.Config, error) {
	cfg := imapclient.DefaultConfig(acct.Host, acct.Port, acct.UseTLS, acct.Username)

	switch acct.Kind {
	case account.AuthPassword:
		pw, err := p.passwords.Password(acct.ID)
		if err != nil {
			return imapclient.Config{}, &imapclient.AuthError{Reason: "password unavailable", Err: err}
		}
		cfg.AuthKind = imapclient.AuthPassword
		cfg.Password = pw
	case account.AuthOAuth2:
		tok, err := p.tokens.AccessToken(acct.ID)
		if err != nil {
			return imapclient.Config{}, &imapclient.AuthError{Reason: "oauth token unavailable", Err: err}
		}
		cfg.AuthKind = imapclient.AuthXOAuth2
		cfg.AccessToken = tok
		if id := acct.OAuth2().LoginIdentity; id != "" {
			cfg.Username = id
		}
	default:
		return imapclient.Config{}, fmt.Errorf("pipeline: unknown auth kind %v", acct.Kind)
	}
	return cfg, nil
}

// diffUIDs computes server - local, ascending.
func diffUIDs(serverUIDs []uint32, localUIDs map[uint32]bool) []uint32 {
	var missing []uint32
	for _, uid := range serverUIDs {
		if !localUIDs[uid] {
			missing = append(missing, uid)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Kind == transport.KindCancelled
	}
	return false
}
