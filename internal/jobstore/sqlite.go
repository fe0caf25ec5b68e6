package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devicelab/conductor/pkg/types"
)

// SQLiteStore implements JobStore on an embedded SQLite database. This is
// the durable backend: queued and completed jobs survive a scheduler
// restart, and the scheduler re-attaches to whatever was in flight.
type SQLiteStore struct {
	db *sql.DB

	subsMu sync.RWMutex
	subs   map[string]map[chan *types.Event]struct{}

	maxEvents int64
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 50,
	visibility   TEXT NOT NULL DEFAULT 'public',
	device_id    TEXT NOT NULL DEFAULT '',
	group_id     TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	definition   TEXT NOT NULL,
	submitted_at TIMESTAMP NOT NULL,
	started_at   TIMESTAMP,
	finished_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS results (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id  TEXT NOT NULL REFERENCES jobs(id),
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_job ON results(job_id);

CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT NOT NULL REFERENCES jobs(id),
	type      TEXT NOT NULL,
	action    TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL,
	data      TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id);
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, cfg *Config) (*SQLiteStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent executors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{
		db:        db,
		subs:      make(map[string]map[chan *types.Event]struct{}),
		maxEvents: cfg.EventMaxLen,
	}, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, def *types.JobDefinition) error {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, status, priority, visibility, group_id, definition, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(types.JobStatusSubmitted), int(def.Priority),
		string(def.Visibility), def.GroupID, string(defJSON), def.SubmittedAt.UTC())
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*types.JobDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM jobs WHERE id = ?`, jobID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var def types.JobDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}

const metaColumns = `id, name, status, priority, visibility, device_id, group_id, error, submitted_at, started_at, finished_at`

func scanMeta(row interface{ Scan(...any) error }) (*types.JobMeta, error) {
	var m types.JobMeta
	var priority int
	var started, finished sql.NullTime
	err := row.Scan(&m.ID, &m.Name, &m.Status, &priority, &m.Visibility,
		&m.DeviceID, &m.GroupID, &m.Error, &m.SubmittedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	m.Priority = types.Priority(priority)
	if started.Valid {
		t := started.Time
		m.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		m.FinishedAt = &t
	}
	return &m, nil
}

func (s *SQLiteStore) GetJobMeta(ctx context.Context, jobID string) (*types.JobMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metaColumns+` FROM jobs WHERE id = ?`, jobID)
	meta, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return meta, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*types.JobMeta, error) {
	return s.queryMetas(ctx, `SELECT `+metaColumns+` FROM jobs ORDER BY submitted_at ASC`)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.JobMeta, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + metaColumns + ` FROM jobs WHERE status IN (?`
	args := []any{string(statuses[0])}
	for _, st := range statuses[1:] {
		query += ",?"
		args = append(args, string(st))
	}
	query += `) ORDER BY submitted_at ASC`
	return s.queryMetas(ctx, query, args...)
}

func (s *SQLiteStore) queryMetas(ctx context.Context, query string, args ...any) ([]*types.JobMeta, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.JobMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status types.JobStatus, errMsg string) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET status = ?`
	args := []any{string(status)}
	if errMsg != "" {
		query += `, error = ?`
		args = append(args, errMsg)
	}
	if status == types.JobStatusRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.Terminal() {
		query += `, finished_at = COALESCE(finished_at, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, jobID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) SetJobDevice(ctx context.Context, jobID, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET device_id = ? WHERE id = ?`, deviceID, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendResult(ctx context.Context, jobID string, result *types.ActionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO results (job_id, payload) VALUES (?, ?)`, jobID, string(raw))
	return err
}

func (s *SQLiteStore) GetResults(ctx context.Context, jobID string) ([]types.ActionResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM results WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ActionResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r types.ActionResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID string, input *types.EventInput) (*types.Event, error) {
	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, type, action, timestamp, data) VALUES (?, ?, ?, ?, ?)`,
		jobID, string(input.Type), input.Action, now, string(dataJSON))
	if err != nil {
		return nil, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	// Ring-buffer trim per job.
	if s.maxEvents > 0 {
		s.db.ExecContext(ctx, `
			DELETE FROM events WHERE job_id = ? AND id NOT IN (
				SELECT id FROM events WHERE job_id = ? ORDER BY id DESC LIMIT ?
			)`, jobID, jobID, s.maxEvents)
	}

	event := &types.Event{
		ID:        fmt.Sprintf("%d", seq),
		JobID:     jobID,
		Type:      input.Type,
		Action:    input.Action,
		Timestamp: now,
		Data:      dataJSON,
	}
	s.notifySubscribers(jobID, event)
	return event, nil
}

func (s *SQLiteStore) EventsSince(ctx context.Context, jobID string, lastEventID string) ([]*types.Event, error) {
	var since int64
	if lastEventID != "" {
		fmt.Sscanf(lastEventID, "%d", &since)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, action, timestamp, data FROM events WHERE job_id = ? AND id > ? ORDER BY id ASC`,
		jobID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		var (
			id     int64
			evType string
			action string
			ts     time.Time
			data   sql.NullString
		)
		if err := rows.Scan(&id, &evType, &action, &ts, &data); err != nil {
			return nil, err
		}
		evt := &types.Event{
			ID:        fmt.Sprintf("%d", id),
			JobID:     jobID,
			Type:      types.EventType(evType),
			Action:    action,
			Timestamp: ts,
		}
		if data.Valid {
			evt.Data = json.RawMessage(data.String)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Subscribe(ctx context.Context, jobID string) (<-chan *types.Event, func(), error) {
	ch := make(chan *types.Event, 64)
	s.subsMu.Lock()
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[chan *types.Event]struct{})
	}
	s.subs[jobID][ch] = struct{}{}
	s.subsMu.Unlock()

	cleanup := func() {
		s.subsMu.Lock()
		delete(s.subs[jobID], ch)
		if len(s.subs[jobID]) == 0 {
			delete(s.subs, jobID)
		}
		s.subsMu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *SQLiteStore) notifySubscribers(jobID string, event *types.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for ch := range s.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *SQLiteStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return nil, err
	}
	return map[string]any{
		"adapter":   "sqlite",
		"job_count": count,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Verify interface compliance
var _ JobStore = (*SQLiteStore)(nil)
