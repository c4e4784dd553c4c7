package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ammonwk/truffles/internal/domain"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record and returns its id.
// An id is assigned when the record carries none.
func (s *Store) CreateRun(rec *domain.RunRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	filesJSON, err := json.Marshal(rec.FilesModified)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, issue_id, title, status, workspace_path, branch, started_at, completed_at, files_modified, error, pr_number, pr_url, dismissal_reason, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.IssueID,
		rec.Title,
		string(rec.Status),
		rec.WorkspacePath,
		rec.Branch,
		rec.StartedAt,
		rec.CompletedAt,
		string(filesJSON),
		rec.Error,
		rec.PRNumber,
		rec.PRURL,
		rec.DismissalReason,
		rec.CostUSD,
	)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// UpdateRun applies a partial update to a run record. Only the fields
// set on the update touch the row.
func (s *Store) UpdateRun(id string, upd domain.RunUpdate) error {
	var sets []string
	var args []interface{}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.WorkspacePath != nil {
		sets = append(sets, "workspace_path = ?")
		args = append(args, *upd.WorkspacePath)
	}
	if upd.Branch != nil {
		sets = append(sets, "branch = ?")
		args = append(args, *upd.Branch)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}
	if upd.FilesModified != nil {
		filesJSON, err := json.Marshal(upd.FilesModified)
		if err != nil {
			return err
		}
		sets = append(sets, "files_modified = ?")
		args = append(args, string(filesJSON))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.PRNumber != nil {
		sets = append(sets, "pr_number = ?")
		args = append(args, *upd.PRNumber)
	}
	if upd.PRURL != nil {
		sets = append(sets, "pr_url = ?")
		args = append(args, *upd.PRURL)
	}
	if upd.DismissalReason != nil {
		sets = append(sets, "dismissal_reason = ?")
		args = append(args, *upd.DismissalReason)
	}
	if upd.CostUSD != nil {
		sets = append(sets, "cost_usd = ?")
		args = append(args, *upd.CostUSD)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// AppendOutput appends a batch of output entries to a run's log
func (s *Store) AppendOutput(id string, entries []domain.OutputEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO run_logs (run_id, timestamp, phase, category, message) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(id, e.Timestamp, string(e.Phase), e.Category, e.Text); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run record by id, including its output log.
// Returns nil when no such run exists.
func (s *Store) GetRun(id string) (*domain.RunRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, issue_id, title, status, workspace_path, branch, started_at, completed_at, files_modified, error, pr_number, pr_url, dismissal_reason, cost_usd
		FROM runs WHERE id = ?
	`, id)

	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	output, err := s.loadOutput(id)
	if err != nil {
		return nil, err
	}
	rec.Output = output

	return rec, nil
}

// GetRuns retrieves run records by ids, without output logs.
// Missing ids are silently skipped.
func (s *Store) GetRuns(ids []string) ([]*domain.RunRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(ids))
	placeholders = placeholders[:len(placeholders)-2]

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(`
		SELECT id, issue_id, title, status, workspace_path, branch, started_at, completed_at, files_modified, error, pr_number, pr_url, dismissal_reason, cost_usd
		FROM runs WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*domain.RunRecord)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's order
	var recs []*domain.RunRecord
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *Store) loadOutput(runID string) ([]domain.OutputEntry, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, phase, category, message FROM run_logs
		WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.OutputEntry
	for rows.Next() {
		var e domain.OutputEntry
		var phase string
		if err := rows.Scan(&e.Timestamp, &phase, &e.Category, &e.Text); err != nil {
			return nil, err
		}
		e.Phase = domain.RunStatus(phase)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scannable) (*domain.RunRecord, error) {
	var rec domain.RunRecord
	var status string
	var workspacePath, branch, filesJSON, errMsg, prURL, dismissal sql.NullString
	var completedAt sql.NullTime
	var prNumber sql.NullInt64
	var costUSD sql.NullFloat64

	err := row.Scan(&rec.ID, &rec.IssueID, &rec.Title, &status, &workspacePath, &branch, &rec.StartedAt, &completedAt, &filesJSON, &errMsg, &prNumber, &prURL, &dismissal, &costUSD)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.RunStatus(status)
	rec.WorkspacePath = workspacePath.String
	rec.Branch = branch.String
	rec.Error = errMsg.String
	rec.PRURL = prURL.String
	rec.DismissalReason = dismissal.String
	rec.PRNumber = int(prNumber.Int64)
	rec.CostUSD = costUSD.Float64
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}

	if filesJSON.Valid && filesJSON.String != "" && filesJSON.String != "null" {
		var files []string
		if err := json.Unmarshal([]byte(filesJSON.String), &files); err != nil {
			return nil, err
		}
		rec.FilesModified = files
	}

	return &rec, nil
}
