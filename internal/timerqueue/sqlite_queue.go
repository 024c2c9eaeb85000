package timerqueue

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// SQLiteQueue is a persistent timer queue backed by SQLite. Tasks are claimed
// inside a transaction using due-time ordering, so timers survive restarts.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the timers table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS timers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			fire_at INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	enqueuedAt := now.UnixNano()

	var fireAt int64
	if t.FireAt.IsZero() {
		fireAt = enqueuedAt
	} else {
		fireAt = t.FireAt.UnixNano()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO timers (type, instance_id, step_id, enqueued_at, fire_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(t.Type),
		t.InstanceID,
		t.StepID,
		enqueuedAt,
		fireAt,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id          int64
			typeStr     string
			instanceID  string
			stepID      string
			enqueuedInt int64
			fireAt      int64
		)

		row := tx.QueryRowContext(ctx, `
			SELECT id, type, instance_id, step_id, enqueued_at, fire_at
			FROM timers
			WHERE fire_at <= ?
			ORDER BY fire_at, id
			LIMIT 1`, now)
		err = row.Scan(&id, &typeStr, &instanceID, &stepID, &enqueuedInt, &fireAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				_ = tx.Rollback()
				// Nothing due: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			_ = tx.Rollback()
			return nil, err
		}

		// Delete the row we just claimed.
		if _, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		return &Task{
			ID:         strconv.FormatInt(id, 10),
			Type:       TaskType(typeStr),
			InstanceID: instanceID,
			StepID:     stepID,
			EnqueuedAt: time.Unix(0, enqueuedInt),
			FireAt:     time.Unix(0, fireAt),
		}, nil
	}
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM timers`).Scan(&n); err != nil {
		return 0
	}
	return n
}
