// Package store persists downloaded messages to the filesystem: one .eml
// file per message plus an append-only .uid_cache sidecar recording which
// UIDs already exist on disk for a folder.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kzahedi/imap-backup/internal/logging"
)

const (
	dirPerm  = 0700
	filePerm = 0600

	uidCacheName = ".uid_cache"
)

var (
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	// filenameUIDPrefix matches the leading "<uid>_" that a filename from
	// MessageName carries whenever it has a date or sender slug, used to
	// rebuild a missing .uid_cache. A bare "<uid>.eml" does not match.
	filenameUIDPrefix = regexp.MustCompile(`^(\d+)_`)
)

// SanitizeComponent replaces anything outside [A-Za-z0-9._-] with "_" so
// account and folder names can never escape the backup root or collide
// with filesystem-reserved characters. Leading and trailing '.' and '_'
// are then trimmed, and an empty result becomes "_". Letter case is kept.
func SanitizeComponent(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		s = "_"
	}
	return s
}

// Store roots message persistence at a base directory, laid out as
// <base>/<account>/<folder>/<uid>_<date>_<sender-slug>.eml plus
// <base>/<account>/<folder>/.uid_cache.
type Store struct {
	mu   sync.Mutex
	base string
	log  zerolog.Logger
}

// New creates a Store rooted at baseDir. baseDir is created if absent.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	return &Store{
		base: baseDir,
		log:  logging.WithComponent("store"),
	}, nil
}

// AccountDir returns the on-disk directory for an account.
func (s *Store) AccountDir(accountID string) string {
	return filepath.Join(s.base, SanitizeComponent(accountID))
}

// FolderDir returns the on-disk directory for an account's folder, using
// sanitized path components.
func (s *Store) FolderDir(accountID, folderPath string) string {
	parts := []string{s.AccountDir(accountID)}
	for _, seg := range strings.Split(folderPath, "/") {
		parts = append(parts, SanitizeComponent(seg))
	}
	return filepath.Join(parts...)
}

// PrepareFolder creates the folder's directory if it does not exist.
func (s *Store) PrepareFolder(accountID, folderPath string) (string, error) {
	dir := s.FolderDir(accountID, folderPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("store: create folder dir %s: %w", dir, err)
	}
	return dir, nil
}

// ExistingUIDs returns the set of UIDs already on disk for a folder. It
// reads the .uid_cache sidecar if present; otherwise it scans *.eml
// filenames for their leading UID prefix and writes the rebuilt cache
// best-effort.
func (s *Store) ExistingUIDs(accountID, folderPath string) (map[uint32]bool, error) {
	dir := s.FolderDir(accountID, folderPath)

	uids, err := s.readUIDCache(dir)
	if err == nil {
		return uids, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	uids, scanErr := s.scanUIDsFromFilenames(dir)
	if scanErr != nil {
		return nil, scanErr
	}
	s.rebuildUIDCache(dir, uids)
	return uids, nil
}

func (s *Store) readUIDCache(dir string) (map[uint32]bool, error) {
	f, err := os.Open(filepath.Join(dir, uidCacheName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	uids := map[uint32]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		n, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			continue
		}
		uids[uint32(n)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: scan uid cache: %w", err)
	}
	return uids, nil
}

func (s *Store) scanUIDsFromFilenames(dir string) (map[uint32]bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[uint32]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read folder dir: %w", err)
	}

	uids := map[uint32]bool{}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".eml") {
			continue
		}
		m := filenameUIDPrefix.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		uids[uint32(n)] = true
	}
	return uids, nil
}

// rebuildUIDCache best-effort writes a fresh sidecar from a recovered set;
// failure here is not reported since the caller already has the UIDs.
func (s *Store) rebuildUIDCache(dir string, uids map[uint32]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, uidCacheName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Msg("failed to rebuild uid cache")
		return
	}
	defer f.Close()
	for uid := range uids {
		fmt.Fprintf(f, "%d\n", uid)
	}
}

// appendUIDCache appends uid to the folder's sidecar. Appends are
// single-writer serialized by s.mu; a partial write is self-healing since
// ExistingUIDs skips any line that doesn't parse.
func (s *Store) appendUIDCache(dir string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, uidCacheName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("store: open uid cache for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", uid); err != nil {
		return fmt.Errorf("store: append uid cache: %w", err)
	}
	return f.Sync()
}

// MessageName computes the base filename for a message: "<uid>_<date
// compact>_<sender-slug>.eml". date and senderSlug may be empty, in which
// case the filename degrades gracefully to just the UID.
func MessageName(uid uint32, date time.Time, senderSlug string) string {
	var parts []string
	parts = append(parts, strconv.FormatUint(uint64(uid), 10))
	if !date.IsZero() {
		parts = append(parts, date.UTC().Format("20060102150405"))
	}
	if senderSlug != "" {
		parts = append(parts, SanitizeComponent(senderSlug))
	}
	return strings.Join(parts, "_") + ".eml"
}

// uniquify finds a non-colliding path in dir for base, trying
// "<name>_1<ext>", "<name>_2<ext>", ... on collision.
func uniquify(dir, base string) string {
	candidate := filepath.Join(dir, base)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// WriteMessage writes body atomically (temp file in the same directory,
// fsync, rename) then appends uid to the folder's sidecar, so a crash
// mid-write never leaves a partial .eml visible under its final name.
// Returns the final path written.
func (s *Store) WriteMessage(accountID, folderPath string, uid uint32, date time.Time, senderSlug string, body []byte) (string, error) {
	dir, err := s.PrepareFolder(accountID, folderPath)
	if err != nil {
		return "", err
	}

	final := uniquify(dir, MessageName(uid, date, senderSlug))
	tmp := final + ".tmp"

	if err := writeFileAtomic(tmp, final, body); err != nil {
		return "", err
	}
	if err := s.appendUIDCache(dir, uid); err != nil {
		return "", err
	}
	return final, nil
}

func writeFileAtomic(tmp, final string, body []byte) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// StreamHandle is an in-progress streamed write returned by
// PrepareStreamingDestination; callers write bytes through File then call
// FinalizeStreamedFile to make it durable and visible.
type StreamHandle struct {
	File  *os.File
	tmp   string
	final string
	dir   string
	uid   uint32
}

// FinalPath is the path the streamed file will occupy once finalized.
func (h *StreamHandle) FinalPath() string { return h.final }

// PrepareStreamingDestination opens a temp file for a large message that
// will be written incrementally (see internal/imapclient.StreamMessageToWriter)
// rather than held fully in memory.
func (s *Store) PrepareStreamingDestination(accountID, folderPath string, uid uint32, date time.Time, senderSlug string) (*StreamHandle, error) {
	dir, err := s.PrepareFolder(accountID, folderPath)
	if err != nil {
		return nil, err
	}
	final := uniquify(dir, MessageName(uid, date, senderSlug))
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("store: create streaming temp file: %w", err)
	}
	return &StreamHandle{File: f, tmp: tmp, final: final, dir: dir, uid: uid}, nil
}

// FinalizeStreamedFile syncs, closes, and renames the temp file into
// place, then appends the UID to the sidecar. On any error the temp file
// is removed so no partial file is left behind.
func (s *Store) FinalizeStreamedFile(h *StreamHandle) error {
	if err := h.File.Sync(); err != nil {
		h.File.Close()
		os.Remove(h.tmp)
		return fmt.Errorf("store: sync streamed file: %w", err)
	}
	if err := h.File.Close(); err != nil {
		os.Remove(h.tmp)
		return fmt.Errorf("store: close streamed file: %w", err)
	}
	if err := os.Rename(h.tmp, h.final); err != nil {
		os.Remove(h.tmp)
		return fmt.Errorf("store: rename streamed file into place: %w", err)
	}
	return s.appendUIDCache(h.dir, h.uid)
}

// AbortStreamedFile discards an in-progress streamed write, used when a
// run is cancelled mid-download.
func (h *StreamHandle) AbortStreamedFile() {
	h.File.Close()
	os.Remove(h.tmp)
}

// CleanupOrphans removes any "*.tmp" file below the backup root, left
// behind by a prior crash mid-write.
func (s *Store) CleanupOrphans() (int, error) {
	removed := 0
	err := filepath.WalkDir(s.base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removed, fmt.Errorf("store: walk backup root: %w", err)
	}
	if removed > 0 {
		s.log.Info().Int("count", removed).Msg("cleaned up orphaned temp files")
	}
	return removed, nil
}

// SizeBytes returns the total size of all .eml files under an account's
// directory, across every folder.
func (s *Store) SizeBytes(accountID string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(s.AccountDir(accountID), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".eml") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("store: walk account dir: %w", err)
	}
	return total, nil
}

// MessageCount returns the number of .eml files under an account's
// directory, across every folder.
func (s *Store) MessageCount(accountID string) (uint64, error) {
	var count uint64
	err := filepath.WalkDir(s.AccountDir(accountID), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".eml") {
			count++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("store: walk account dir: %w", err)
	}
	return count, nil
}
