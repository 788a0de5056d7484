package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sharkoder/sharkoder/internal/sqlitedb"
)

const schemaVersion = 1

// ErrPathExists is returned by Create when a non-terminal job already
// claims the remote path.
var ErrPathExists = errors.New("store: a non-terminal job already exists for this path")

// ErrStateConflict is returned by Transition when the job is no longer in
// the expected state. Claims treat it as "someone else got there first".
var ErrStateConflict = errors.New("store: job state changed concurrently")

// ErrNotFound is returned when the job id does not exist.
var ErrNotFound = errors.New("store: job not found")

// Store persists jobs. Writes are serialized through a single mutex on top
// of WAL so readers proceed in parallel.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex

	// Per-job progress writes are throttled to one per second.
	throttleMu sync.Mutex
	throttle   map[int64]*rate.Limiter
}

// Open creates or opens the jobs database.
func Open(dbPath string) (*Store, error) {
	db, err := sqlitedb.Open(dbPath, sqlitedb.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, throttle: make(map[int64]*rate.Limiter)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_path TEXT NOT NULL,
		source_size INTEGER NOT NULL DEFAULT 0,
		codec_before TEXT NOT NULL DEFAULT '',
		codec_after TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		eta_seconds INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		duration REAL NOT NULL DEFAULT 0,
		bitrate INTEGER NOT NULL DEFAULT 0,
		audio_streams INTEGER NOT NULL DEFAULT 0,
		subtitle_streams INTEGER NOT NULL DEFAULT 0,
		container TEXT NOT NULL DEFAULT '',
		pause_before_upload INTEGER NOT NULL DEFAULT 0,
		backup_path TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_path ON jobs(remote_path)
		WHERE state NOT IN ('completed', 'failed');
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Close() error { return s.db.Close() }

const jobColumns = `id, remote_path, source_size, codec_before, codec_after, state,
	progress, eta_seconds, retry_count, width, height, duration, bitrate,
	audio_streams, subtitle_streams, container, pause_before_upload,
	backup_path, error, created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var createdAt string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(
		&j.ID, &j.RemotePath, &j.SourceSize, &j.CodecBefore, &j.CodecAfter, &j.State,
		&j.Progress, &j.ETASeconds, &j.RetryCount, &j.Probe.Width, &j.Probe.Height,
		&j.Probe.Duration, &j.Probe.Bitrate, &j.Probe.AudioStreams,
		&j.Probe.SubtitleStreams, &j.Probe.Container, &j.PauseBeforeUpload,
		&j.BackupPath, &j.Error, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAt.String)
		j.FinishedAt = &t
	}
	return &j, nil
}

// Create inserts a new waiting job and assigns its id.
func (s *Store) Create(ctx context.Context, j *Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if j.State == "" {
		j.State = StateWaiting
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (remote_path, source_size, state, pause_before_upload,
			width, height, duration, bitrate, audio_streams, subtitle_streams,
			container, codec_before, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.RemotePath, j.SourceSize, j.State, j.PauseBeforeUpload,
		j.Probe.Width, j.Probe.Height, j.Probe.Duration, j.Probe.Bitrate,
		j.Probe.AudioStreams, j.Probe.SubtitleStreams, j.Probe.Container,
		j.CodecBefore, j.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrPathExists
		}
		return err
	}
	j.ID, err = res.LastInsertId()
	return err
}

// Get returns the job by id.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListByState returns jobs in a state, oldest first.
func (s *Store) ListByState(ctx context.Context, state State) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY id`, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collect(rows)
}

// All returns every job, oldest first.
func (s *Store) All(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Claim atomically moves the oldest job in from to to, stamping started_at.
// It returns nil, nil when no job is claimable.
func (s *Store) Claim(ctx context.Context, from, to State) (*Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY id LIMIT 1`, from)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, started_at = ?, progress = 0, eta_seconds = 0
		 WHERE id = ? AND state = ?`,
		to, now.Format(time.RFC3339), j.ID, from)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStateConflict
	}
	j.State = to
	j.StartedAt = &now
	j.Progress = 0
	return j, nil
}

// Transition compare-and-sets the job state.
func (s *Store) Transition(ctx context.Context, id int64, from, to State) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transitionLocked(ctx, id, from, to, "")
}

// Fail moves the job to failed with a message, from any state.
func (s *Store) Fail(ctx context.Context, id int64, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		StateFailed, msg, now, id)
	return err
}

func (s *Store) transitionLocked(ctx context.Context, id int64, from, to State, errMsg string) error {
	set := `state = ?`
	args := []any{to}
	if to.Terminal() {
		set += `, finished_at = ?`
		args = append(args, time.Now().Format(time.RFC3339))
	}
	if errMsg != "" {
		set += `, error = ?`
		args = append(args, errMsg)
	}
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing row from a concurrent move.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM jobs WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

// SetState moves the job unconditionally (startup recovery, stop()).
func (s *Store) SetState(ctx context.Context, id int64, to State) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	set := `state = ?`
	args := []any{to}
	if to.Terminal() {
		set += `, finished_at = ?`
		args = append(args, time.Now().Format(time.RFC3339))
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateResult persists the encode outcome fields.
func (s *Store) UpdateResult(ctx context.Context, id int64, codecBefore, codecAfter string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET codec_before = ?, codec_after = ? WHERE id = ?`,
		codecBefore, codecAfter, id)
	return err
}

// UpdateProbe persists pre-encode probe metadata.
func (s *Store) UpdateProbe(ctx context.Context, id int64, codec string, p ProbeInfo) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET codec_before = ?, width = ?, height = ?, duration = ?,
			bitrate = ?, audio_streams = ?, subtitle_streams = ?, container = ?
		 WHERE id = ?`,
		codec, p.Width, p.Height, p.Duration, p.Bitrate,
		p.AudioStreams, p.SubtitleStreams, p.Container, id)
	return err
}

// SetBackupPath records the server-side rollback handle.
func (s *Store) SetBackupPath(ctx context.Context, id int64, backupPath string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET backup_path = ? WHERE id = ?`, backupPath, id)
	return err
}

// IncrementRetry bumps the retry counter and clears the failure fields.
func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1, error = '', progress = 0,
			eta_seconds = 0, started_at = NULL, finished_at = NULL, state = ?
		 WHERE id = ?`, StateWaiting, id)
	return err
}

// Requeue puts a failed job back at the end of the waiting queue with a
// clean slate, for operator-driven retries.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET retry_count = 0, error = '', progress = 0,
			eta_seconds = 0, started_at = NULL, finished_at = NULL, state = ?
		 WHERE id = ? AND state = ?`, StateWaiting, id, StateFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// SetProgress persists stage progress, throttled to one write per job per
// second. force bypasses the throttle for final values.
func (s *Store) SetProgress(ctx context.Context, id int64, progress float64, etaSeconds int64, force bool) error {
	if !force && !s.limiter(id).Allow() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, eta_seconds = ? WHERE id = ?`,
		progress, etaSeconds, id)
	return err
}

func (s *Store) limiter(id int64) *rate.Limiter {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	l, ok := s.throttle[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		s.throttle[id] = l
	}
	return l
}

// Delete removes the job row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.throttleMu.Lock()
	delete(s.throttle, id)
	s.throttleMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearNonCompleted removes every job that is not completed.
func (s *Store) ClearNonCompleted(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE state != ?`, StateCompleted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountsByState returns job counts keyed by state.
func (s *Store) CountsByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[State]int)
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
