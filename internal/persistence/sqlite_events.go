package persistence

import (
	"database/sql"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// SQLiteEventStore is an EventStore backed by SQLite. Events are append
// only and listed in insertion order per instance.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

// NewSQLiteEventStore initializes the events schema and returns a store.
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instance_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			definition_id TEXT,
			step_id TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_instance_events_instance ON instance_events(instance_id);`,
	)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ev api.WorkflowEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO instance_events (instance_id, at, type, definition_id, step_id, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.InstanceID,
		ev.At.UnixNano(),
		string(ev.Type),
		ev.DefinitionID,
		ev.StepID,
		ev.Detail,
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.Query(`
		SELECT instance_id, at, type, definition_id, step_id, detail
		FROM instance_events
		WHERE instance_id = ?
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []api.WorkflowEvent
	for rows.Next() {
		var (
			ev      api.WorkflowEvent
			at      int64
			typeStr string
		)
		if err := rows.Scan(&ev.InstanceID, &at, &typeStr, &ev.DefinitionID, &ev.StepID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at)
		ev.Type = api.EventType(typeStr)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
