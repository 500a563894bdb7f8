// Package verify re-lists server state against the local store and
// reports discrepancies, with an optional repair pass that downloads the
// missing set one UID at a time through the pipeline's per-message path.
package verify

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kzahedi/imap-backup/internal/account"
	"github.com/kzahedi/imap-backup/internal/imapclient"
	"github.com/kzahedi/imap-backup/internal/logging"
	"github.com/kzahedi/imap-backup/internal/pipeline"
	"github.com/kzahedi/imap-backup/internal/progress"
	"github.com/kzahedi/imap-backup/internal/ratelimit"
	"github.com/kzahedi/imap-backup/internal/store"
)

// FolderReport is the verification result for one folder.
type FolderReport struct {
	FolderName      string // server-encoded name, required for SELECT
	FolderPath      string
	ServerUIDs      []uint32
	LocalUIDs       []uint32
	MissingLocally  []uint32 // present on server, absent locally
	DeletedOnServer []uint32 // present locally, absent on server
}

// InSync reports whether this folder needed no repair.
func (r FolderReport) InSync() bool {
	return len(r.MissingLocally) == 0 && len(r.DeletedOnServer) == 0
}

// Report is the verification result for an entire account.
type Report struct {
	AccountID string
	Folders   []FolderReport
}

// InSync reports whether every folder in the account matched.
func (r Report) InSync() bool {
	for _, f := range r.Folders {
		if !f.InSync() {
			return false
		}
	}
	return true
}

// Verifier checks and repairs an account's local copy against the
// server.
type Verifier struct {
	store       *store.Store
	coordinator *ratelimit.Coordinator
	passwords   pipeline.PasswordResolver
	tokens      pipeline.TokenResolver
	log         zerolog.Logger
}

// New creates a Verifier sharing the same store and rate-limit
// coordinator as the backup pipeline.
func New(st *store.Store, coordinator *ratelimit.Coordinator, passwords pipeline.PasswordResolver, tokens pipeline.TokenResolver) *Verifier {
	return &Verifier{
		store:       st,
		coordinator: coordinator,
		passwords:   passwords,
		tokens:      tokens,
		log:         logging.WithComponent("verify"),
	}
}

// Verify connects, lists every selectable folder, and compares server
// UIDs against the store's existingUIDs for each.
func (v *Verifier) Verify(ctx context.Context, acct account.Account, ratePreset ratelimit.Preset) (Report, error) {
	session, err := v.connect(ctx, acct, ratePreset)
	if err != nil {
		return Report{}, err
	}
	defer session.Close()

	folders, err := session.ListFolders(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("verify: list folders: %w", err)
	}

	report := Report{AccountID: acct.ID}
	for _, f := range folders {
		if !f.Selectable() {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		fr, err := v.verifyFolder(ctx, acct, session, f)
		if err != nil {
			return report, err
		}
		report.Folders = append(report.Folders, fr)
	}
	return report, nil
}

func (v *Verifier) verifyFolder(ctx context.Context, acct account.Account, session *imapclient.Session, folder imapclient.FolderDescriptor) (FolderReport, error) {
	if _, err := session.SelectFolder(ctx, folder.Name); err != nil {
		return FolderReport{}, fmt.Errorf("verify: select %s: %w", folder.Path, err)
	}
	serverUIDs, err := session.SearchAllUIDs(ctx)
	if err != nil {
		return FolderReport{}, fmt.Errorf("verify: search %s: %w", folder.Path, err)
	}
	localSet, err := v.store.ExistingUIDs(acct.ID, folder.Path)
	if err != nil {
		return FolderReport{}, fmt.Errorf("verify: existing uids %s: %w", folder.Path, err)
	}

	serverSet := make(map[uint32]bool, len(serverUIDs))
	for _, uid := range serverUIDs {
		serverSet[uid] = true
	}

	var localUIDs, missing, deleted []uint32
	for uid := range localSet {
		localUIDs = append(localUIDs, uid)
		if !serverSet[uid] {
			deleted = append(deleted, uid)
		}
	}
	for _, uid := range serverUIDs {
		if !localSet[uid] {
			missing = append(missing, uid)
		}
	}
	sort.Slice(localUIDs, func(i, j int) bool { return localUIDs[i] < localUIDs[j] })
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })

	return FolderReport{
		FolderName:      folder.Name,
		FolderPath:      folder.Path,
		ServerUIDs:      serverUIDs,
		LocalUIDs:       localUIDs,
		MissingLocally:  missing,
		DeletedOnServer: deleted,
	}, nil
}

// Repair re-downloads every MissingLocally UID reported in report,
// publishing progress the same way a regular run does. It shares the
// pipeline's retry, rate-limit, and cancellation behavior because it
// drives the same Session type through the same fetch operations.
func (v *Verifier) Repair(ctx context.Context, acct account.Account, report Report, pub *progress.Publisher, ratePreset ratelimit.Preset) pipeline.Result {
	pub.SetStatus(progress.StatusConnecting)

	session, err := v.connect(ctx, acct, ratePreset)
	if err != nil {
		pub.RecordError(err.Error())
		pub.SetStatus(progress.StatusFailed)
		return pipeline.Result{Status: progress.StatusFailed, Errors: []string{err.Error()}}
	}
	defer session.Close()

	p := pipeline.New(v.store, v.coordinator, v.passwords, v.tokens, 0)

	var (
		downloaded int
		totalBytes uint64
		runErrors  []string
	)

	pub.SetFolderTotals(len(report.Folders))
	for _, fr := range report.Folders {
		if len(fr.MissingLocally) == 0 {
			pub.FinishFolder()
			continue
		}
		if ctx.Err() != nil {
			pub.SetStatus(progress.StatusCancelled)
			return pipeline.Result{Status: progress.StatusCancelled, EmailsDownloaded: downloaded, BytesDownloaded: totalBytes, Errors: runErrors}
		}

		pub.EnterFolder(fr.FolderPath, len(fr.MissingLocally))
		pub.SetStatus(progress.StatusDownloading)

		if _, err := session.SelectFolder(ctx, fr.FolderName); err != nil {
			msg := fmt.Sprintf("repair select %s: %v", fr.FolderPath, err)
			runErrors = append(runErrors, msg)
			pub.RecordError(msg)
			continue
		}

		for _, uid := range fr.MissingLocally {
			if ctx.Err() != nil {
				pub.SetStatus(progress.StatusCancelled)
				return pipeline.Result{Status: progress.StatusCancelled, EmailsDownloaded: downloaded, BytesDownloaded: totalBytes, Errors: runErrors}
			}
			n, err := p.DownloadForRepair(ctx, acct, session, fr.FolderPath, uid)
			if err != nil {
				msg := fmt.Sprintf("repair uid %d in %s: %v", uid, fr.FolderPath, err)
				runErrors = append(runErrors, msg)
				pub.RecordError(msg)
				continue
			}
			downloaded++
			totalBytes += n
			pub.RecordDownload(n)
		}
		pub.FinishFolder()
	}

	pub.SetStatus(progress.StatusCompleted)
	return pipeline.Result{
		Status:           progress.StatusCompleted,
		FoldersProcessed: len(report.Folders),
		EmailsDownloaded: downloaded,
		BytesDownloaded:  totalBytes,
		Errors:           runErrors,
	}
}

func (v *Verifier) connect(ctx context.Context, acct account.Account, ratePreset ratelimit.Preset) (*imapclient.Session, error) {
	p := pipeline.New(v.store, v.coordinator, v.passwords, v.tokens, 0)
	cfg, err := p.BuildConfig(acct)
	if err != nil {
		return nil, err
	}
	tracker := v.coordinator.Tracker(acct.Host, &ratePreset)
	session := imapclient.New(cfg, tracker)
	if err := session.Connect(ctx); err != nil {
		return nil, fmt.Errorf("verify: connect: %w", err)
	}
	return session, nil
}
