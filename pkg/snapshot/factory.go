package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
)

// Backend names a snapshot storage backend.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendS3       Backend = "s3"
	BackendGCS      Backend = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Backend     Backend
	DataDir     string // file and sqlite backends
	DatabaseURL string // postgres
	S3          S3Config
	GCSBucket   string
	GCSPrefix   string
	Keep        int // file backend retention
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open creates the configured store. The returned closer releases any database
// handle the store owns.
func Open(ctx context.Context, o Options) (Store, io.Closer, error) {
	if o.DataDir == "" {
		o.DataDir = "data"
	}

	switch o.Backend {
	case BackendFile, "":
		s, err := NewFileStore(filepath.Join(o.DataDir, "snapshots"), o.Keep)
		return s, nopCloser{}, err
	case BackendSQLite:
		db, err := sql.Open("sqlite", filepath.Join(o.DataDir, "motivate.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		s, err := NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil
	case BackendPostgres:
		db, err := sql.Open("postgres", o.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		s, err := NewPostgresStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil
	case BackendS3:
		if o.S3.Bucket == "" {
			return nil, nil, fmt.Errorf("a bucket is required for S3 snapshots")
		}
		s, err := NewS3Store(ctx, o.S3)
		return s, nopCloser{}, err
	case BackendGCS:
		s, err := newGCSStore(ctx, o.GCSBucket, o.GCSPrefix)
		return s, nopCloser{}, err
	default:
		return nil, nil, fmt.Errorf("unsupported snapshot backend: %s", o.Backend)
	}
}

// Scheduler saves a snapshot of the engine every interval, skipping saves when
// nothing changed since the previous one.
type Scheduler struct {
	engine     *escrow.Engine
	store      Store
	interval   time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	lastDigest string
}

// NewScheduler creates a scheduler.
func NewScheduler(e *escrow.Engine, s Store, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   e,
		store:    s,
		interval: interval,
		clock:    time.Now,
		logger:   logger.With("component", "snapshot"),
	}
}

// SaveNow captures and stores a snapshot unless the state is unchanged.
// It reports whether a snapshot was written.
func (s *Scheduler) SaveNow(ctx context.Context) (bool, error) {
	doc, err := New(s.engine, s.clock())
	if err != nil {
		return false, err
	}
	if doc.Digest == s.lastDigest {
		return false, nil
	}
	if err := s.store.Save(ctx, doc); err != nil {
		return false, err
	}
	s.lastDigest = doc.Digest
	s.logger.Info("snapshot saved", "promises", doc.Promises, "head", doc.Head, "digest", doc.Digest)
	return true, nil
}

// Run saves periodically until ctx is done, then saves one final snapshot.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		<-ctx.Done()
	} else {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if _, err := s.SaveNow(ctx); err != nil {
					s.logger.Error("snapshot failed", "error", err)
				}
			}
		}
	}

	final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.SaveNow(final); err != nil {
		s.logger.Error("final snapshot failed", "error", err)
	}
}
