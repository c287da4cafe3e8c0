// Package checkpoint records filesystem mutations made during a plan run so
// they can be undone. The store tracks created files and the original content
// of modified files, persists the record after every mutation so a crash
// leaves it recoverable, and performs explicit rollback on request. Rollback
// is never triggered automatically; a partially successful run's output stays
// on disk until the operator asks for it to be undone.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/planrun/internal/checkpoint"

// ErrNoCheckpoint indicates that no persisted checkpoint record exists.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Store tracks filesystem mutations for one plan run.
//
// TrackCreation and TrackModification are safe for concurrent use by sibling
// steps in the same wave; the store serializes internally. A path lives in at
// most one of the two lists: whichever tracking call sees the path first wins
// and later calls for the same path are no-ops, so a file created during the
// run and then modified by a later step stays a creation.
type Store interface {
	// TrackCreation records that path did not exist before the run and is
	// about to be created.
	TrackCreation(ctx context.Context, path string) error

	// TrackModification snapshots the current content of an existing path
	// before its first overwrite. The original is captured exactly once per
	// path per run.
	TrackModification(ctx context.Context, path string) error

	// Record returns a copy of the current checkpoint record.
	Record() *Record

	// Rollback undoes every tracked mutation: created files are deleted and
	// their now-empty parent directories pruned up to (but not including)
	// the workspace root, then modified files are restored to their captured
	// originals. State and the persisted record are cleared afterwards, so a
	// second call is a no-op.
	Rollback(ctx context.Context) (*RollbackSummary, error)

	// Clear discards tracked state and the persisted record without touching
	// any tracked file. Called only after a fully successful run.
	Clear(ctx context.Context) error

	// Close releases the store. Tracked state on disk is left intact.
	Close() error
}

// Record is the persisted checkpoint for one run.
type Record struct {
	RunID         string         `json:"run_id"`
	PlanID        string         `json:"plan_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CreatedFiles  []string       `json:"created_files"`
	ModifiedFiles []FileSnapshot `json:"modified_files"`
}

// FileSnapshot holds a modified file's pre-run content.
type FileSnapshot struct {
	Path     string `json:"path"`
	Original string `json:"original"`
}

// RollbackSummary reports what a rollback actually did.
type RollbackSummary struct {
	Deleted    []string `json:"deleted"`
	Restored   []string `json:"restored"`
	PrunedDirs []string `json:"pruned_dirs,omitempty"`
}

// Config configures a checkpoint store.
type Config struct {
	// Root is the workspace root. Directory pruning during rollback never
	// crosses it.
	Root string

	// Dir is where checkpoint records are persisted
	// (default: <Root>/.planrun/checkpoints).
	Dir string

	// RunID keys the persisted record (default: a new uuid).
	RunID string

	// PlanID is recorded for operator context.
	PlanID string
}

// DefaultConfig returns sensible defaults rooted at the current directory.
func DefaultConfig() *Config {
	return &Config{Root: "."}
}

type store struct {
	config *Config
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	trackedCounter  metric.Int64Counter
	rollbackCounter metric.Int64Counter

	mu     sync.Mutex
	record *Record
	closed bool
}

// NewStore creates a store with a fresh record for a new run.
func NewStore(cfg *Config, logger *zap.Logger) (Store, error) {
	s, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.record = &Record{
		RunID:         s.config.RunID,
		PlanID:        s.config.PlanID,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		CreatedFiles:  []string{},
		ModifiedFiles: []FileSnapshot{},
	}
	return s, nil
}

// OpenLatest opens a store seeded with the most recently updated persisted
// record in cfg.Dir. Used by the rollback command to undo a previous run.
// Returns ErrNoCheckpoint when no record exists.
func OpenLatest(cfg *Config, logger *zap.Logger) (Store, error) {
	s, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	rec, err := loadLatest(s.config.Dir)
	if err != nil {
		return nil, err
	}
	s.record = rec
	s.config.RunID = rec.RunID
	return s, nil
}

func newStore(cfg *Config, logger *zap.Logger) (*store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	resolved := &Config{
		Root:   root,
		Dir:    cfg.Dir,
		RunID:  cfg.RunID,
		PlanID: cfg.PlanID,
	}
	if resolved.Dir == "" {
		resolved.Dir = filepath.Join(root, ".planrun", "checkpoints")
	}
	if resolved.RunID == "" {
		resolved.RunID = uuid.New().String()
	}

	if err := os.MkdirAll(resolved.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	s := &store{
		config: resolved,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *store) initMetrics() {
	var err error

	s.trackedCounter, err = s.meter.Int64Counter(
		"planrun.checkpoint.tracked_files",
		metric.WithDescription("Files tracked for rollback"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		s.logger.Warn("failed to create tracked files counter", zap.Error(err))
	}

	s.rollbackCounter, err = s.meter.Int64Counter(
		"planrun.checkpoint.rollbacks_total",
		metric.WithDescription("Total number of rollbacks performed"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// TrackCreation records a path created by the run.
func (s *store) TrackCreation(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}

	cleaned := filepath.Clean(path)
	if s.tracked(cleaned) {
		return nil
	}

	s.record.CreatedFiles = append(s.record.CreatedFiles, cleaned)
	if s.trackedCounter != nil {
		s.trackedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "created")))
	}
	s.logger.Debug("tracked file creation", zap.String("path", cleaned))
	return s.persistLocked()
}

// TrackModification snapshots an existing path's content before overwrite.
func (s *store) TrackModification(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}

	cleaned := filepath.Clean(path)
	if s.tracked(cleaned) {
		return nil
	}

	original, err := os.ReadFile(cleaned)
	if err != nil {
		return fmt.Errorf("failed to snapshot original content: %w", err)
	}

	s.record.ModifiedFiles = append(s.record.ModifiedFiles, FileSnapshot{
		Path:     cleaned,
		Original: string(original),
	})
	if s.trackedCounter != nil {
		s.trackedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "modified")))
	}
	s.logger.Debug("tracked file modification", zap.String("path", cleaned), zap.Int("original_bytes", len(original)))
	return s.persistLocked()
}

// Record returns a copy of the current record.
func (s *store) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *s.record
	copied.CreatedFiles = append([]string(nil), s.record.CreatedFiles...)
	copied.ModifiedFiles = append([]FileSnapshot(nil), s.record.ModifiedFiles...)
	return &copied
}

// Rollback undoes all tracked mutations and clears the record.
func (s *store) Rollback(ctx context.Context) (*RollbackSummary, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.rollback")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}

	span.SetAttributes(
		attribute.String("run_id", s.record.RunID),
		attribute.Int("created_files", len(s.record.CreatedFiles)),
		attribute.Int("modified_files", len(s.record.ModifiedFiles)),
	)

	summary := &RollbackSummary{}

	// Created files go first so their parent directories can be pruned
	// before restores recreate anything nearby.
	for _, path := range s.record.CreatedFiles {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return summary, fmt.Errorf("failed to delete created file %s: %w", path, err)
			}
		} else {
			summary.Deleted = append(summary.Deleted, path)
		}
		summary.PrunedDirs = append(summary.PrunedDirs, s.pruneEmptyParents(path)...)
	}

	for _, snap := range s.record.ModifiedFiles {
		if err := os.MkdirAll(filepath.Dir(snap.Path), 0o755); err != nil {
			span.RecordError(err)
			return summary, fmt.Errorf("failed to recreate parent of %s: %w", snap.Path, err)
		}
		if err := os.WriteFile(snap.Path, []byte(snap.Original), 0o644); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return summary, fmt.Errorf("failed to restore %s: %w", snap.Path, err)
		}
		summary.Restored = append(summary.Restored, snap.Path)
	}

	sort.Strings(summary.PrunedDirs)

	if err := s.clearLocked(); err != nil {
		span.RecordError(err)
		return summary, err
	}

	if s.rollbackCounter != nil {
		s.rollbackCounter.Add(ctx, 1)
	}
	s.logger.Info("rollback complete",
		zap.String("run_id", s.config.RunID),
		zap.Int("deleted", len(summary.Deleted)),
		zap.Int("restored", len(summary.Restored)),
		zap.Int("pruned_dirs", len(summary.PrunedDirs)),
	)
	return summary, nil
}

// Clear drops tracked state without touching the filesystem.
func (s *store) Clear(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "checkpoint.clear")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}

	span.SetAttributes(attribute.String("run_id", s.record.RunID))
	return s.clearLocked()
}

// Close marks the store closed. The persisted record is left as-is.
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *store) tracked(path string) bool {
	for _, p := range s.record.CreatedFiles {
		if p == path {
			return true
		}
	}
	for _, snap := range s.record.ModifiedFiles {
		if snap.Path == path {
			return true
		}
	}
	return false
}

// pruneEmptyParents removes now-empty directories above path, walking up but
// never reaching the workspace root itself.
func (s *store) pruneEmptyParents(path string) []string {
	var pruned []string
	root := s.config.Root
	dir := filepath.Dir(filepath.Clean(path))
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		pruned = append(pruned, dir)
		dir = filepath.Dir(dir)
	}
	return pruned
}

func (s *store) recordPath() string {
	return filepath.Join(s.config.Dir, s.record.RunID+".json")
}

// persistLocked writes the record atomically (temp file then rename) so a
// crash mid-write cannot corrupt an existing record.
func (s *store) persistLocked() error {
	s.record.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint record: %w", err)
	}

	tmp, err := os.CreateTemp(s.config.Dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint record: %w", err)
	}
	if err := os.Rename(tmpName, s.recordPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist checkpoint record: %w", err)
	}
	return nil
}

func (s *store) clearLocked() error {
	s.record.CreatedFiles = []string{}
	s.record.ModifiedFiles = []FileSnapshot{}
	if err := os.Remove(s.recordPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint record: %w", err)
	}
	return nil
}

// loadLatest reads the most recently updated record in dir.
func loadLatest(dir string) (*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("failed to read checkpoint dir: %w", err)
	}

	var latest *Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.RunID == "" {
			continue
		}
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = &rec
		}
	}

	if latest == nil {
		return nil, ErrNoCheckpoint
	}
	return latest, nil
}
