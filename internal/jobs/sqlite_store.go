package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/meshd/internal/common"
)

// interruptedMessage is recorded for jobs a previous process left queued or running.
const interruptedMessage = "interrupted by service restart"

// SQLiteStore is a Store backed by SQLite. A single connection serializes every operation,
// matching the single-lock semantics of Registry.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.failInterrupted(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		error_message TEXT,
		result_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS jobs_created_at ON jobs (created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// failInterrupted moves jobs orphaned by a previous process to error so no record stays
// queued or running without an execution behind it.
func (s *SQLiteStore) failInterrupted() error {
	now := s.now().UnixNano()
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		string(StatusError), interruptedMessage, now, now, string(StatusQueued), string(StatusRunning))
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(id string) (*Job, error) {
	if id == "" {
		return nil, errors.New("job id is required")
	}
	now := s.now()
	res, err := s.db.Exec(`INSERT INTO jobs (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, string(StatusQueued), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return nil, ErrAlreadyExists
	}
	return &Job{ID: id, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}, nil
}

const selectColumns = `SELECT id, status, error_message, result_json, created_at, updated_at, started_at, completed_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status string
	var errMsg, resultJSON sql.NullString
	var created, updated int64
	var started, completed sql.NullInt64
	if err := row.Scan(&job.ID, &status, &errMsg, &resultJSON, &created, &updated, &started, &completed); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var res Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	if started.Valid {
		t := time.Unix(0, started.Int64).UTC()
		job.StartedAt = &t
	}
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func (s *SQLiteStore) Get(id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Update(id string, u Update) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRow(selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := apply(job, u, s.now()); err != nil {
		return nil, err
	}

	var errMsg, resultJSON *string
	if job.Error != "" {
		errMsg = &job.Error
	}
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		v := string(b)
		resultJSON = &v
	}
	_, err = tx.Exec(`UPDATE jobs SET status = ?, error_message = ?, result_json = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(job.Status), errMsg, resultJSON, job.UpdatedAt.UnixNano(), unixNanoPtr(job.StartedAt), unixNanoPtr(job.CompletedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) List(status *Status, limit int) ([]*Job, error) {
	if limit < 0 {
		limit = -1 // sqlite: no limit
	}
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.Query(selectColumns+` WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, string(*status), limit)
	} else {
		rows, err = s.db.Query(selectColumns+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteUnlessRunning(id string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read job status: %w", err)
	}
	if Status(status) == StatusRunning {
		return false, ErrIllegalTransition
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Sweep(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixNano()
	res, err := s.db.Exec(`DELETE FROM jobs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNanoPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixNano()
	return &v
}
