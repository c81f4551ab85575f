package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juju/loggo/v2"

	"github.com/blackwell-systems/devstack/internal/broker"
)

var logger = loggo.GetLogger("devstack.store")

// timeFormat is fixed width so that stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Action journal

// Record implements broker.Recorder. Journal failures are logged, never
// returned: the privileged action has already happened.
func (s *Store) Record(o *broker.Outcome, execErr error) {
	if err := s.InsertAction(recordFromOutcome(o, execErr)); err != nil {
		logger.Warningf("failed to journal %s: %v", o.Action.Kind, err)
	}
}

func recordFromOutcome(o *broker.Outcome, execErr error) *ActionRecord {
	rec := &ActionRecord{
		ID:        o.ID,
		Kind:      string(o.Action.Kind),
		Args:      o.Action.Args,
		Gateway:   o.Gateway,
		Command:   o.Command,
		ExitCode:  o.ExitCode,
		Outcome:   OutcomeOf(execErr),
		StartedAt: o.Started,
		Duration:  o.Duration,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	return rec
}

// OutcomeOf classifies the error returned by broker.Execute.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, broker.ErrDisallowedAction):
		return OutcomeRejected
	case errors.Is(err, broker.ErrAuthenticationDenied):
		return OutcomeDenied
	case errors.Is(err, broker.ErrAuthenticationUnavailable):
		return OutcomeUnavailable
	}
	return OutcomeFailed
}

// InsertAction appends a record to the journal.
func (s *Store) InsertAction(rec *ActionRecord) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal action args: %w", err)
	}

	query := `
		INSERT INTO actions
		(id, kind, args, gateway, command, exit_code, outcome, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		rec.ID,
		rec.Kind,
		string(argsJSON),
		rec.Gateway,
		rec.Command,
		rec.ExitCode,
		rec.Outcome,
		rec.Error,
		rec.StartedAt.UTC().Format(timeFormat),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return wrapErr("insert action "+rec.ID, err)
	}
	return nil
}

// ListActions returns the most recent journal entries, newest first. A
// non-empty kind filters on the action kind.
func (s *Store) ListActions(limit int, kind string) ([]*ActionRecord, error) {
	query := `
		SELECT id, kind, args, gateway, command, exit_code, outcome, error, started_at, duration_ms
		FROM actions
		WHERE (? = '' OR kind = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, kind, kind, limit)
	if err != nil {
		return nil, wrapErr("list actions", err)
	}
	defer rows.Close()

	var records []*ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var argsJSON, startedAt string
		var command, errText sql.NullString
		var durationMS int64

		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&argsJSON,
			&rec.Gateway,
			&command,
			&rec.ExitCode,
			&rec.Outcome,
			&errText,
			&startedAt,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}

		if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal args for %s: %w", rec.ID, err)
		}
		rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at for %s: %w", rec.ID, err)
		}
		rec.Command = command.String
		rec.Error = errText.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return records, nil
}

// CountActions returns how many journal entries have each outcome.
func (s *Store) CountActions() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM actions GROUP BY outcome`)
	if err != nil {
		return nil, wrapErr("count actions", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Drift events

// InsertDriftEvent records an external change to a managed path.
func (s *Store) InsertDriftEvent(event *DriftEvent) error {
	query := `INSERT INTO drift_events (path, op, timestamp) VALUES (?, ?, ?)`

	_, err := s.db.Exec(query, event.Path, event.Op, event.Timestamp.UTC().Format(timeFormat))
	if err != nil {
		return wrapErr("insert drift event", err)
	}
	return nil
}

// ListDriftEvents returns drift events recorded since the given time,
// newest first.
func (s *Store) ListDriftEvents(since time.Time) ([]*DriftEvent, error) {
	query := `
		SELECT id, path, op, timestamp
		FROM drift_events
		WHERE timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := s.db.Query(query, since.UTC().Format(timeFormat))
	if err != nil {
		return nil, wrapErr("list drift events", err)
	}
	defer rows.Close()

	var events []*DriftEvent
	for rows.Next() {
		var ev DriftEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.Path, &ev.Op, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan drift event: %w", err)
		}
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse drift timestamp: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Backups

// InsertBackup records a backup file and returns its ID.
func (s *Store) InsertBackup(b *Backup) (int64, error) {
	query := `
		INSERT INTO backups (created_at, kind, target, reason, backup_path, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query,
		b.CreatedAt.UTC().Format(timeFormat),
		b.Kind,
		b.Target,
		b.Reason,
		b.BackupPath,
		b.SizeBytes,
	)
	if err != nil {
		return 0, wrapErr("insert backup", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get backup ID: %w", err)
	}
	return id, nil
}

// GetBackup retrieves a backup by ID.
func (s *Store) GetBackup(id int64) (*Backup, error) {
	query := `
		SELECT id, created_at, kind, target, reason, backup_path, size_bytes
		FROM backups
		WHERE id = ?
	`

	b, err := scanBackup(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backup %d not found", id)
	}
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("get backup %d", id), err)
	}
	return b, nil
}

// ListBackups returns all backups ordered by creation time (newest first).
func (s *Store) ListBackups() ([]*Backup, error) {
	query := `
		SELECT id, created_at, kind, target, reason, backup_path, size_bytes
		FROM backups
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, wrapErr("list backups", err)
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBackup(row scanner) (*Backup, error) {
	var b Backup
	var createdAt string
	var reason sql.NullString
	if err := row.Scan(&b.ID, &createdAt, &b.Kind, &b.Target, &reason, &b.BackupPath, &b.SizeBytes); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	b.CreatedAt = t
	b.Reason = reason.String
	return &b, nil
}
