package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/MissPeppermintPatty/taskolib"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite message store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge removes finished runs whose terminal message is older
	// than this duration (0 = keep everything). Unfinished runs are never
	// pruned, whatever their age.
	RetentionAge time.Duration

	// PruneInterval is how often the background pruner wakes up
	// (default 1 hour; only relevant with a RetentionAge).
	PruneInterval time.Duration
}

// SQLiteMessageStore keeps run histories in a SQLite database, in WAL mode
// so observers can read while the recorder writes. Retention works on whole
// runs: a run is dropped only after it has finished and aged out, never
// message by message, so a stored history is always complete.
type SQLiteMessageStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteMessageStore opens (or creates) a SQLite message store.
func NewSQLiteMessageStore(cfg SQLiteStoreConfig) (*SQLiteMessageStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteMessageStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append records a message under its run.
func (s *SQLiteMessageStore) Append(ctx context.Context, m taskolib.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (run_id, seq, type, text, time, step_index)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.RunID,
		m.Seq,
		string(m.Type),
		m.Text,
		m.Time.Format(time.RFC3339Nano),
		m.StepIndex,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// History returns the full ordered message history of a run.
func (s *SQLiteMessageStore) History(ctx context.Context, runID string) ([]taskolib.Message, error) {
	return s.Tail(ctx, runID, 0, 0)
}

// Tail returns the messages of a run with Seq > afterSeq, at most limit of
// them (0 means no limit).
func (s *SQLiteMessageStore) Tail(ctx context.Context, runID string, afterSeq uint64, limit int) ([]taskolib.Message, error) {
	query := `SELECT run_id, seq, type, text, time, step_index
	           FROM messages WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: tail: %w", err)
	}
	defer rows.Close()

	var msgs []taskolib.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Runs summarizes every recorded run, ordered by first appearance in the
// store.
func (s *SQLiteMessageStore) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, type, text, time, step_index
		   FROM messages ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: runs: %w", err)
	}
	defer rows.Close()

	var order []string
	histories := make(map[string][]taskolib.Message)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if _, seen := histories[m.RunID]; !seen {
			order = append(order, m.RunID)
		}
		histories[m.RunID] = append(histories[m.RunID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summaries := make([]RunSummary, 0, len(order))
	for _, runID := range order {
		summaries = append(summaries, summarizeRun(runID, histories[runID]))
	}
	return summaries, nil
}

// PruneFinishedBefore deletes every run whose terminal message
// (sequence_stopped or sequence_stopped_with_error) is older than cutoff.
// It returns the number of deleted messages. Runs without a terminal
// message are kept.
func (s *SQLiteMessageStore) PruneFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE run_id IN (
			SELECT run_id FROM messages
			 WHERE type IN (?, ?)
			 GROUP BY run_id
			HAVING MAX(time) < ?
		)`,
		string(taskolib.MessageSequenceStopped),
		string(taskolib.MessageSequenceStoppedWithError),
		cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: prune rows affected: %w", err)
	}
	return n, nil
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteMessageStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

func (s *SQLiteMessageStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.RetentionAge)
			_, _ = s.PruneFinishedBefore(context.Background(), cutoff)
		}
	}
}

func scanMessage(rows *sql.Rows) (taskolib.Message, error) {
	var (
		m       taskolib.Message
		msgType string
		timeStr string
	)
	if err := rows.Scan(&m.RunID, &m.Seq, &msgType, &m.Text, &timeStr, &m.StepIndex); err != nil {
		return taskolib.Message{}, fmt.Errorf("sqlitestore: scan message: %w", err)
	}

	m.Type = taskolib.MessageType(msgType)

	t, err := time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return taskolib.Message{}, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
	}
	m.Time = t
	return m, nil
}

// Compile-time interface check.
var _ MessageStore = (*SQLiteMessageStore)(nil)
