package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
)

// Text is a durable row from the texts table.
type Text struct {
	TextID    string
	UserID    string
	Filename  string
	Title     string
	Content   string
	CharCount int
	ObjectKey sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Audio is a durable row from the audios table: the one live audio
// result for a text, per the (text_id, is_deleted) uniqueness rule.
type Audio struct {
	AudioID    string
	TextID     string
	UserID     string
	Filename   string
	ObjectKey  string
	DurationMs int
	SizeBytes  int64
	VersionNum int
	CreatedAt  time.Time
}

// TaskRun is one terminal task outcome, recorded for stats purposes
// regardless of which Monitor backend handled the task in flight.
type TaskRun struct {
	TextID    string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Stats summarizes terminal task outcomes from the durable persistence
// layer: completed/failed/timeout counts and duration percentiles over
// completed runs.
type Stats struct {
	Completed          int
	Failed             int
	Timeout            int
	P50DurationSeconds float64
	P95DurationSeconds float64
}

// Store is the dbstore.Store contract used by the engine and API layer.
type Store interface {
	GetText(ctx context.Context, textID string) (*Text, error)
	InsertText(ctx context.Context, t Text) error
	GetLiveAudio(ctx context.Context, textID string) (*Audio, error)
	InsertAudio(ctx context.Context, a Audio) error
	NextVersion(ctx context.Context, textID string) (int, error)
	RecordTaskRun(ctx context.Context, r TaskRun) error
	Stats(ctx context.Context) (Stats, error)
}

// SQLStore implements Store over a *sql.DB, following the teacher's
// raw-SQL persistence idiom (no ORM anywhere in the source this
// codebase was built from).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetText(ctx context.Context, textID string) (*Text, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT text_id, user_id, filename, title, content, char_count, object_key, created_at, updated_at
		FROM texts WHERE text_id = $1 AND is_deleted = FALSE`, textID)

	var t Text
	if err := row.Scan(&t.TextID, &t.UserID, &t.Filename, &t.Title, &t.Content, &t.CharCount, &t.ObjectKey, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindStorage, "query text", err)
	}
	return &t, nil
}

func (s *SQLStore) InsertText(ctx context.Context, t Text) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO texts (text_id, user_id, filename, title, content, char_count, object_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (text_id) DO UPDATE SET
			content = EXCLUDED.content,
			char_count = EXCLUDED.char_count,
			updated_at = CURRENT_TIMESTAMP`,
		t.TextID, t.UserID, t.Filename, t.Title, t.Content, t.CharCount, t.ObjectKey)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "insert text", err)
	}
	return nil
}

func (s *SQLStore) GetLiveAudio(ctx context.Context, textID string) (*Audio, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT audio_id, text_id, user_id, filename, object_key, duration_ms, size_bytes, version_num, created_at
		FROM audios WHERE text_id = $1 AND is_deleted = FALSE`, textID)

	var a Audio
	if err := row.Scan(&a.AudioID, &a.TextID, &a.UserID, &a.Filename, &a.ObjectKey, &a.DurationMs, &a.SizeBytes, &a.VersionNum, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindStorage, "query live audio", err)
	}
	return &a, nil
}

// InsertAudio inserts a new audio row, tolerating a race against another
// process that inserted the same (text_id, is_deleted=false) row first
// by treating a unique-violation as success, matching the original
// implementation's IntegrityError fallback that reuses the existing row.
func (s *SQLStore) InsertAudio(ctx context.Context, a Audio) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audios (text_id, user_id, filename, object_key, duration_ms, size_bytes, version_num)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.TextID, a.UserID, a.Filename, a.ObjectKey, a.DurationMs, a.SizeBytes, a.VersionNum)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return errs.Wrap(errs.KindStorage, "insert audio", err)
	}
	return nil
}

func (s *SQLStore) NextVersion(ctx context.Context, textID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_num), 0) + 1 FROM audios WHERE text_id = $1`, textID)

	var next int
	if err := row.Scan(&next); err != nil {
		return 0, errs.Wrap(errs.KindStorage, "query next audio version", err)
	}
	return next, nil
}

// RecordTaskRun persists one terminal task outcome. Called once per
// task by whichever process observes the transition (the engine for
// COMPLETED/FAILED, the sweeper for TIMEOUT).
func (s *SQLStore) RecordTaskRun(ctx context.Context, r TaskRun) error {
	durationMs := r.EndedAt.Sub(r.StartedAt).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (text_id, status, started_at, ended_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		r.TextID, r.Status, r.StartedAt, r.EndedAt, durationMs)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "record task run", err)
	}
	return nil
}

// Stats computes completed/failed/timeout counts and duration
// percentiles across every recorded task_runs row, per spec.md §4.6's
// "success rates SHOULD be computed against the persistence layer"
// guidance.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'TIMEOUT'),
			COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY duration_ms) FILTER (WHERE status = 'COMPLETED'), 0),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms) FILTER (WHERE status = 'COMPLETED'), 0)
		FROM task_runs`)

	var st Stats
	var p50Ms, p95Ms float64
	if err := row.Scan(&st.Completed, &st.Failed, &st.Timeout, &p50Ms, &p95Ms); err != nil {
		return Stats{}, errs.Wrap(errs.KindStorage, "query task stats", err)
	}
	st.P50DurationSeconds = p50Ms / 1000
	st.P95DurationSeconds = p95Ms / 1000
	return st, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*SQLStore)(nil)
