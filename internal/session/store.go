package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrStatusConflict = errors.New("session status conflict")
)

// ExecutionLog is one immutable record of an attempted setup step.
type ExecutionLog struct {
	SessionID  string
	StepOrder  int
	StepTitle  string
	Command    string
	ExitCode   int
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
}

// Store persists sessions and execution logs in SQLite. The status column
// is only ever moved through compare-and-set updates, so concurrent writers
// cannot skip or repeat lifecycle states.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the session database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session store directory %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session database %q: %w", path, err)
	}
	store := &Store{db: db}
	if err := store.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			lab_id TEXT NOT NULL,
			status TEXT NOT NULL,
			sandbox_name TEXT NOT NULL,
			namespace TEXT NOT NULL,
			pod_ref TEXT NOT NULL DEFAULT '',
			created_at_unix INTEGER NOT NULL,
			setup_started_at_unix INTEGER,
			setup_completed_at_unix INTEGER,
			expires_at_unix INTEGER
		);
		CREATE TABLE IF NOT EXISTS execution_logs (
			session_id TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			step_title TEXT NOT NULL,
			command TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			output TEXT NOT NULL,
			started_at_unix INTEGER NOT NULL,
			finished_at_unix INTEGER NOT NULL,
			outcome TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user_lab ON sessions (user_id, lab_id);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_session ON execution_logs (session_id);
	`)
	if err != nil {
		return fmt.Errorf("initialize session schema: %w", err)
	}
	return nil
}

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, lab_id, status, sandbox_name, namespace, pod_ref, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.LabID, string(sess.Status), sess.SandboxName, sess.Namespace, sess.PodRef, sess.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads one session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, selectSessions+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return sess, nil
}

// TransitionUpdate carries the timestamp side effects of a status change.
type TransitionUpdate struct {
	PodRef           string
	SetupStartedAt   *time.Time
	SetupCompletedAt *time.Time
	ExpiresAt        *time.Time
}

// Transition moves a session from -> to with compare-and-set semantics.
// Returns ErrStatusConflict if the row is no longer in the from status, and
// rejects transitions the state machine forbids.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, upd TransitionUpdate) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrStatusConflict, from, to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			pod_ref = CASE WHEN ? != '' THEN ? ELSE pod_ref END,
			setup_started_at_unix = COALESCE(?, setup_started_at_unix),
			setup_completed_at_unix = COALESCE(?, setup_completed_at_unix),
			expires_at_unix = COALESCE(?, expires_at_unix)
		WHERE id = ? AND status = ?
	`, string(to), upd.PodRef, upd.PodRef,
		unixOrNil(upd.SetupStartedAt), unixOrNil(upd.SetupCompletedAt), unixOrNil(upd.ExpiresAt),
		id, string(from))
	if err != nil {
		return fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: session %s is not %s", ErrStatusConflict, id, from)
	}
	return nil
}

// ForceCompleted moves a non-terminal session to COMPLETED and reports the
// status it held beforehand. ErrStatusConflict if the session was already
// terminal.
func (s *Store) ForceCompleted(ctx context.Context, id string) (Status, error) {
	for {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if sess.Status.Terminal() {
			return sess.Status, fmt.Errorf("%w: session %s already %s", ErrStatusConflict, id, sess.Status)
		}
		err = s.Transition(ctx, id, sess.Status, StatusCompleted, TransitionUpdate{})
		if err == nil {
			return sess.Status, nil
		}
		if errors.Is(err, ErrStatusConflict) {
			// Raced with the pipeline; re-read and retry unless terminal.
			continue
		}
		return "", err
	}
}

// ActiveForUserLab returns the non-terminal session for (user, lab), if any.
func (s *Store) ActiveForUserLab(ctx context.Context, userID, labID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, selectSessions+`
		WHERE user_id = ? AND lab_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at_unix DESC LIMIT 1
	`, userID, labID, string(StatusCompleted), string(StatusFailed), string(StatusSetupFailed))
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// ListNonTerminal returns every session that has not reached a terminal
// status, oldest first. Used by the startup orphan sweep.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSessions+`
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at_unix ASC
	`, string(StatusCompleted), string(StatusFailed), string(StatusSetupFailed))
	if err != nil {
		return nil, fmt.Errorf("query non-terminal sessions: %w", err)
	}
	defer rows.Close()

	items := make([]*Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate non-terminal sessions: %w", err)
	}
	return items, nil
}

// PruneTerminal deletes terminal sessions (and their logs) created before
// the cutoff. Returns the number of sessions removed.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_logs WHERE session_id IN (
			SELECT id FROM sessions
			WHERE status IN (?, ?, ?) AND created_at_unix < ?
		)
	`, string(StatusCompleted), string(StatusFailed), string(StatusSetupFailed), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune execution logs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN (?, ?, ?) AND created_at_unix < ?
	`, string(StatusCompleted), string(StatusFailed), string(StatusSetupFailed), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune terminal sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// AppendExecutionLog records one step attempt. Entries are never updated.
func (s *Store) AppendExecutionLog(ctx context.Context, entry ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (session_id, step_order, step_title, command, exit_code, output, started_at_unix, finished_at_unix, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.SessionID, entry.StepOrder, entry.StepTitle, entry.Command, entry.ExitCode, entry.Output,
		entry.StartedAt.Unix(), entry.FinishedAt.Unix(), entry.Outcome)
	if err != nil {
		return fmt.Errorf("append execution log for %s step %d: %w", entry.SessionID, entry.StepOrder, err)
	}
	return nil
}

// ExecutionLogs returns the recorded step attempts for a session in
// execution order.
func (s *Store) ExecutionLogs(ctx context.Context, sessionID string) ([]ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, step_order, step_title, command, exit_code, output, started_at_unix, finished_at_unix, outcome
		FROM execution_logs WHERE session_id = ? ORDER BY started_at_unix ASC, step_order ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query execution logs for %s: %w", sessionID, err)
	}
	defer rows.Close()

	items := make([]ExecutionLog, 0)
	for rows.Next() {
		var entry ExecutionLog
		var started, finished int64
		if err := rows.Scan(&entry.SessionID, &entry.StepOrder, &entry.StepTitle, &entry.Command,
			&entry.ExitCode, &entry.Output, &started, &finished, &entry.Outcome); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		entry.StartedAt = time.Unix(started, 0).UTC()
		entry.FinishedAt = time.Unix(finished, 0).UTC()
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution logs: %w", err)
	}
	return items, nil
}

const selectSessions = `
	SELECT id, user_id, lab_id, status, sandbox_name, namespace, pod_ref,
		created_at_unix, setup_started_at_unix, setup_completed_at_unix, expires_at_unix
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var status string
	var created int64
	var setupStarted, setupCompleted, expires sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.LabID, &status, &sess.SandboxName, &sess.Namespace,
		&sess.PodRef, &created, &setupStarted, &setupCompleted, &expires); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.SetupStartedAt = timeOrNil(setupStarted)
	sess.SetupCompletedAt = timeOrNil(setupCompleted)
	sess.ExpiresAt = timeOrNil(expires)
	return sess, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
