// Package history provides SQLite-backed persistence of cycles and ejection
// decisions, for the operator UI and audits.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sawline/timbersort/internal/decision"
	"github.com/sawline/timbersort/internal/defect"
)

// Cycle kinds.
const (
	KindAnalysis    = "analysis"
	KindNonAnalysis = "non_analysis"
)

// Cycle outcomes.
const (
	OutcomeEjected = "ejected"
	OutcomePassed  = "passed"
	OutcomeTimeout = "timeout"
	OutcomeAborted = "aborted"
	OutcomeFailed  = "failed"
)

// Cycle is one completed machine cycle.
type Cycle struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
}

// Decision is one recorded ejection decision.
type Decision struct {
	ID          string                `json:"id"`
	CycleID     string                `json:"cycle_id"`
	Eject       bool                  `json:"eject"`
	Reasons     []string              `json:"reasons"`
	Predictions []decision.Prediction `json:"predictions"`
	DurationMS  int64                 `json:"duration_ms"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Stats summarizes the recorded history.
type Stats struct {
	Cycles            int64                  `json:"cycles"`
	AnalysisCycles    int64                  `json:"analysis_cycles"`
	NonAnalysisCycles int64                  `json:"non_analysis_cycles"`
	Timeouts          int64                  `json:"timeouts"`
	Decisions         int64                  `json:"decisions"`
	Ejects            int64                  `json:"ejects"`
	Passes            int64                  `json:"passes"`
	EjectRate         float64                `json:"eject_rate"`
	DefectCounts      map[defect.Class]int64 `json:"defect_counts"`
}

// Store provides access to the history database.
type Store struct {
	db *sql.DB
}

// New creates a Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL so status reads never block the recording writer.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		eject INTEGER NOT NULL,
		reasons TEXT NOT NULL,
		predictions TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (cycle_id) REFERENCES cycles(id)
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCycle inserts one completed cycle and returns its id.
func (s *Store) RecordCycle(startedAt time.Time, kind, outcome string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO cycles (id, started_at, kind, outcome) VALUES (?, ?, ?, ?)`,
		id, startedAt.UTC(), kind, outcome,
	)
	if err != nil {
		return "", fmt.Errorf("insert cycle: %w", err)
	}
	return id, nil
}

// RecordDecision inserts one decision made for the given cycle.
func (s *Store) RecordDecision(cycleID string, res decision.Result, preds []decision.Prediction, took time.Duration, at time.Time) (string, error) {
	reasons := res.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	if preds == nil {
		preds = []decision.Prediction{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return "", fmt.Errorf("marshal reasons: %w", err)
	}
	predsJSON, err := json.Marshal(preds)
	if err != nil {
		return "", fmt.Errorf("marshal predictions: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.Exec(
		`INSERT INTO decisions (id, cycle_id, eject, reasons, predictions, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, cycleID, res.Eject, string(reasonsJSON), string(predsJSON), took.Milliseconds(), at.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert decision: %w", err)
	}
	return id, nil
}

// RecentDecisions returns the newest decisions, most recent first.
func (s *Store) RecentDecisions(limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, cycle_id, eject, reasons, predictions, duration_ms, created_at
		 FROM decisions ORDER BY created_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var reasonsJSON, predsJSON string
		if err := rows.Scan(&d.ID, &d.CycleID, &d.Eject, &reasonsJSON, &predsJSON, &d.DurationMS, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if err := json.Unmarshal([]byte(reasonsJSON), &d.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons for %s: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(predsJSON), &d.Predictions); err != nil {
			return nil, fmt.Errorf("decode predictions for %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentCycles returns the newest cycles, most recent first.
func (s *Store) RecentCycles(limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, started_at, kind, outcome FROM cycles ORDER BY started_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(&c.ID, &c.StartedAt, &c.Kind, &c.Outcome); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats aggregates the recorded history. Defect counts are tallied from the
// stored prediction lists.
func (s *Store) Stats() (Stats, error) {
	st := Stats{DefectCounts: make(map[defect.Class]int64)}

	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(kind = ?), 0),
		        COALESCE(SUM(kind = ?), 0),
		        COALESCE(SUM(outcome = ?), 0)
		 FROM cycles`, KindAnalysis, KindNonAnalysis, OutcomeTimeout,
	).Scan(&st.Cycles, &st.AnalysisCycles, &st.NonAnalysisCycles, &st.Timeouts)
	if err != nil {
		return st, fmt.Errorf("query cycle stats: %w", err)
	}

	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(eject), 0) FROM decisions`,
	).Scan(&st.Decisions, &st.Ejects)
	if err != nil {
		return st, fmt.Errorf("query decision stats: %w", err)
	}
	st.Passes = st.Decisions - st.Ejects
	if st.Decisions > 0 {
		st.EjectRate = float64(st.Ejects) / float64(st.Decisions)
	}

	rows, err := s.db.Query(`SELECT predictions FROM decisions`)
	if err != nil {
		return st, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var predsJSON string
		if err := rows.Scan(&predsJSON); err != nil {
			return st, fmt.Errorf("scan predictions: %w", err)
		}
		var preds []decision.Prediction
		if err := json.Unmarshal([]byte(predsJSON), &preds); err != nil {
			continue // tolerate old rows
		}
		for _, p := range preds {
			st.DefectCounts[p.Class]++
		}
	}
	return st, rows.Err()
}
