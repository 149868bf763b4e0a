package jobs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"
)

type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, progress float64, outputURL, errorMsg string) error
	SetJobLocalState(ctx context.Context, id, state string) error

	RecordSnapshot(ctx context.Context, s *Snapshot) error
	ListSnapshots(ctx context.Context, projectID string, limit int) ([]*Snapshot, error)
	LatestSnapshot(ctx context.Context, projectID string) (*Snapshot, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.now().UTC().Truncate(time.Second)
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.LocalState == "" {
		j.LocalState = LocalPolling
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, backend, project_id, format, status, progress, output_url, error, local_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Backend, nullString(j.ProjectID), j.Format, j.Status, j.Progress,
		nullString(j.OutputURL), nullString(j.Error), j.LocalState,
		j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
	return err
}

const jobColumns = `id, backend, project_id, format, status, progress, output_url, error, local_state, created_at, updated_at`

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var projectID, outputURL, errMsg sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&j.ID, &j.Backend, &projectID, &j.Format, &j.Status, &j.Progress,
		&outputURL, &errMsg, &j.LocalState, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.ProjectID = projectID.String
	j.OutputURL = outputURL.String
	j.Error = errMsg.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status string, progress float64, outputURL, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, output_url = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, progress, nullString(outputURL), nullString(errorMsg), r.timestamp(), id)
	return err
}

func (r *SQLiteRepository) SetJobLocalState(ctx context.Context, id, state string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET local_state = ?, updated_at = ? WHERE id = ?
	`, state, r.timestamp(), id)
	return err
}

// RecordSnapshot journals a saved document. Size and checksum are derived
// from Body.
func (r *SQLiteRepository) RecordSnapshot(ctx context.Context, s *Snapshot) error {
	sum := sha256.Sum256(s.Body)
	s.Checksum = hex.EncodeToString(sum[:])
	s.SizeBytes = len(s.Body)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC().Truncate(time.Second)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO snapshots (project_id, saved_at, version, size_bytes, checksum, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ProjectID, s.SavedAt, s.Version, s.SizeBytes, s.Checksum, string(s.Body), s.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return err
	}
	s.ID, err = res.LastInsertId()
	return err
}

const snapshotColumns = `id, project_id, saved_at, version, size_bytes, checksum, body, created_at`

// ListSnapshots returns the newest snapshots first. An empty projectID lists
// every project.
func (r *SQLiteRepository) ListSnapshots(ctx context.Context, projectID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE (? = '' OR project_id = ?) ORDER BY id DESC LIMIT ?
	`, projectID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) LatestSnapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots WHERE project_id = ? ORDER BY id DESC LIMIT 1
	`, projectID)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func scanSnapshot(sc scanner) (*Snapshot, error) {
	var s Snapshot
	var body, createdAt string
	if err := sc.Scan(&s.ID, &s.ProjectID, &s.SavedAt, &s.Version, &s.SizeBytes, &s.Checksum, &body, &createdAt); err != nil {
		return nil, err
	}
	s.Body = []byte(body)
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
