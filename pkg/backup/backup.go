// Package backup implements the backup engine (C12): gzip/tar archive
// creation over a workload's data directory with glob-based excludes,
// SHA-256 checksumming, and delegation to a pluggable storage adapter.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/stellarstack/daemon/pkg/backup/adapter"
	"github.com/stellarstack/daemon/pkg/events"
	wltypes "github.com/stellarstack/daemon/pkg/types"
)

// Sentinel backup errors, ported from the original daemon's BackupError.
var (
	ErrNotFound         = errors.New("backup: not found")
	ErrAlreadyExists    = errors.New("backup: already exists")
	ErrChecksumMismatch = errors.New("backup: checksum mismatch")
	ErrServerRunning    = errors.New("backup: server is running")
	ErrLocked           = errors.New("backup: backup is locked")
)

// Request describes one backup to create.
type Request struct {
	BackupUUID string
	IgnoreGlob []string
	IsLocked   bool
	Running    bool // whether the workload's container is currently running
}

// Info is the result of a successful backup creation, and the return
// value of Info().
type Info struct {
	UUID     string
	Checksum string
	Size     int64
}

type metadata struct {
	Locked  bool     `json:"locked"`
	Ignored []string `json:"ignored"`
}

// Config configures an Engine.
type Config struct {
	ServerUUID      string
	ServerDir       string // workload data directory, archived/restored
	BackupDir       string // local staging + metadata directory
	AllowLiveBackup bool   // if false, Create refuses while Running is true
}

// Engine creates, restores, and deletes backups for one workload.
type Engine struct {
	cfg     Config
	bus     *events.Bus
	adapter adapter.Adapter
	logger  zerolog.Logger
}

// New creates an Engine for one workload.
func New(cfg Config, bus *events.Bus, ad adapter.Adapter, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		bus:     bus,
		adapter: ad,
		logger:  logger.With().Str("component", "backup").Str("uuid", cfg.ServerUUID).Logger(),
	}
}

func (e *Engine) serverBackupDir() string {
	return filepath.Join(e.cfg.BackupDir, e.cfg.ServerUUID)
}

func (e *Engine) archivePath(backupUUID string) string {
	return filepath.Join(e.serverBackupDir(), backupUUID+".tar.gz")
}

func (e *Engine) tmpPath(backupUUID string) string {
	return filepath.Join(e.serverBackupDir(), backupUUID+".tar.gz.tmp")
}

func (e *Engine) checksumPath(backupUUID string) string {
	return filepath.Join(e.serverBackupDir(), backupUUID+".sha256")
}

func (e *Engine) metaPath(backupUUID string) string {
	return filepath.Join(e.serverBackupDir(), backupUUID+".meta.json")
}

// Create builds a gzip/tar archive of the workload's data directory,
// checksums it, uploads it via the adapter if remote, and reports the
// result on the event bus.
func (e *Engine) Create(ctx context.Context, req Request) (Info, error) {
	if req.Running && !e.cfg.AllowLiveBackup {
		return Info{}, ErrServerRunning
	}

	e.logger.Info().Str("backup", req.BackupUUID).Msg("creating backup")
	e.bus.Publish(wltypes.Event{Kind: wltypes.EventBackupStarted, BackupUUID: req.BackupUUID})

	info, err := e.createInternal(ctx, req)

	if err != nil {
		e.logger.Error().Err(err).Str("backup", req.BackupUUID).Msg("backup creation failed")
		e.bus.Publish(wltypes.Event{Kind: wltypes.EventBackupCompleted, BackupUUID: req.BackupUUID, BackupOK: false})
		return Info{}, err
	}

	e.bus.Publish(wltypes.Event{
		Kind:           wltypes.EventBackupCompleted,
		BackupUUID:     req.BackupUUID,
		BackupOK:       true,
		BackupChecksum: info.Checksum,
		BackupSize:     info.Size,
	})
	e.logger.Info().Str("backup", req.BackupUUID).Int64("size", info.Size).Msg("backup created")
	return info, nil
}

func (e *Engine) createInternal(ctx context.Context, req Request) (Info, error) {
	if err := os.MkdirAll(e.serverBackupDir(), 0o755); err != nil {
		return Info{}, fmt.Errorf("backup: creating backup dir: %w", err)
	}

	tmpPath := e.tmpPath(req.BackupUUID)
	finalPath := e.archivePath(req.BackupUUID)

	size, err := e.createArchive(ctx, tmpPath, req.IgnoreGlob)
	if err != nil {
		return Info{}, err
	}

	checksum, err := checksumFile(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return Info{}, fmt.Errorf("backup: checksumming archive: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Info{}, fmt.Errorf("backup: finalizing archive: %w", err)
	}

	if err := os.WriteFile(e.checksumPath(req.BackupUUID), []byte(checksum), 0o644); err != nil {
		e.logger.Warn().Err(err).Msg("failed to write checksum sidecar")
	}
	if err := e.writeMetadata(req.BackupUUID, metadata{Locked: req.IsLocked, Ignored: req.IgnoreGlob}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to write metadata sidecar")
	}

	if e.adapter.Type() != adapter.TypeLocal {
		if err := e.adapter.WriteFromPath(ctx, e.cfg.ServerUUID, req.BackupUUID, finalPath); err != nil {
			return Info{}, fmt.Errorf("backup: uploading to adapter: %w", err)
		}
		_ = os.Remove(finalPath)
	}

	return Info{UUID: req.BackupUUID, Checksum: checksum, Size: size}, nil
}

// createArchive walks the data directory, skipping entries matching any
// ignore glob, and writes a gzip-compressed tar to outputPath.
func (e *Engine) createArchive(ctx context.Context, outputPath string, ignore []string) (int64, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("backup: creating archive file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(e.cfg.ServerDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == e.cfg.ServerDir {
			return nil
		}

		rel, err := filepath.Rel(e.cfg.ServerDir, path)
		if err != nil {
			return err
		}

		if shouldIgnore(rel, ignore) {
			e.logger.Debug().Str("path", rel).Msg("ignoring")
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("backup: writing tar header for %s: %w", rel, err)
		}

		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("backup: opening %s: %w", rel, err)
		}
		defer src.Close()

		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("backup: writing %s to archive: %w", rel, err)
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		_ = os.Remove(outputPath)
		return 0, fmt.Errorf("backup: walking data directory: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("backup: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("backup: closing gzip writer: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func shouldIgnore(relPath string, ignore []string) bool {
	slashed := filepath.ToSlash(relPath)
	for _, pattern := range ignore {
		if pattern == slashed {
			return true
		}
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
	}
	return false
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Restore fetches the backup (locally or via the adapter), optionally
// truncates the data directory, and extracts the archive into it.
func (e *Engine) Restore(ctx context.Context, backupUUID string, truncate bool) error {
	e.logger.Info().Str("backup", backupUUID).Bool("truncate", truncate).Msg("restoring backup")
	e.bus.Publish(wltypes.Event{Kind: wltypes.EventBackupRestoreStart, BackupUUID: backupUUID})

	err := e.restoreInternal(ctx, backupUUID, truncate)

	e.bus.Publish(wltypes.Event{Kind: wltypes.EventBackupRestoreDone, BackupUUID: backupUUID, BackupOK: err == nil})
	if err != nil {
		e.logger.Error().Err(err).Str("backup", backupUUID).Msg("restore failed")
		return err
	}
	e.logger.Info().Str("backup", backupUUID).Msg("restore completed")
	return nil
}

func (e *Engine) restoreInternal(ctx context.Context, backupUUID string, truncate bool) error {
	localPath := e.archivePath(backupUUID)
	_, localErr := os.Stat(localPath)
	localExists := localErr == nil

	if !localExists {
		remoteExists, err := e.adapter.Exists(ctx, e.cfg.ServerUUID, backupUUID)
		if err != nil {
			return fmt.Errorf("backup: checking adapter existence: %w", err)
		}
		if !remoteExists {
			return ErrNotFound
		}
	}

	restorePath := localPath
	if !localExists {
		data, err := e.adapter.Read(ctx, e.cfg.ServerUUID, backupUUID)
		if err != nil {
			return fmt.Errorf("backup: downloading backup: %w", err)
		}
		restorePath = filepath.Join(e.serverBackupDir(), backupUUID+".tar.gz.restore")
		if err := os.MkdirAll(e.serverBackupDir(), 0o755); err != nil {
			return fmt.Errorf("backup: creating backup dir: %w", err)
		}
		if err := os.WriteFile(restorePath, data, 0o644); err != nil {
			return fmt.Errorf("backup: writing downloaded backup: %w", err)
		}
		defer os.Remove(restorePath)
	}

	if truncate {
		if err := e.truncateServerData(); err != nil {
			return err
		}
	}

	return e.extractArchive(restorePath)
}

func (e *Engine) extractArchive(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("backup: opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: reading tar entry: %w", err)
		}

		target := filepath.Join(e.cfg.ServerDir, filepath.FromSlash(hdr.Name))
		if !isUnderDir(target, e.cfg.ServerDir) {
			return fmt.Errorf("backup: archive entry %q escapes data directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("backup: creating %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("backup: creating parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("backup: creating %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("backup: writing %s: %w", hdr.Name, err)
			}
			out.Close()
		}
	}
}

func isUnderDir(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && rel != "." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

func (e *Engine) truncateServerData() error {
	entries, err := os.ReadDir(e.cfg.ServerDir)
	if err != nil {
		return fmt.Errorf("backup: reading data directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(e.cfg.ServerDir, entry.Name())
		if entry.IsDir() {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("backup: removing %s: %w", entry.Name(), err)
			}
		} else if err := os.Remove(path); err != nil {
			return fmt.Errorf("backup: removing %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Delete removes a backup's archive, checksum, and metadata sidecars,
// both locally and via the adapter. Refuses when the backup is locked.
func (e *Engine) Delete(ctx context.Context, backupUUID string) error {
	meta, err := e.readMetadata(backupUUID)
	if err == nil && meta.Locked {
		return ErrLocked
	}

	if err := e.adapter.Delete(ctx, e.cfg.ServerUUID, backupUUID); err != nil {
		return fmt.Errorf("backup: deleting from adapter: %w", err)
	}

	for _, path := range []string{e.archivePath(backupUUID), e.checksumPath(backupUUID), e.metaPath(backupUUID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("backup: removing %s: %w", path, err)
		}
	}

	e.logger.Info().Str("backup", backupUUID).Msg("backup deleted")
	return nil
}

// List returns all backup UUIDs known to the adapter for this workload.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	return e.adapter.List(ctx, e.cfg.ServerUUID)
}

// Info returns the size (from the adapter) and checksum (from the local
// sidecar, if present) of a backup.
func (e *Engine) Info(ctx context.Context, backupUUID string) (Info, error) {
	size, err := e.adapter.Size(ctx, e.cfg.ServerUUID, backupUUID)
	if err != nil {
		return Info{}, fmt.Errorf("backup: getting size: %w", err)
	}

	checksum := ""
	if data, err := os.ReadFile(e.checksumPath(backupUUID)); err == nil {
		checksum = string(data)
	}

	return Info{UUID: backupUUID, Checksum: checksum, Size: size}, nil
}

func (e *Engine) writeMetadata(backupUUID string, meta metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(e.metaPath(backupUUID), data, 0o644)
}

func (e *Engine) readMetadata(backupUUID string) (metadata, error) {
	var meta metadata
	data, err := os.ReadFile(e.metaPath(backupUUID))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}
