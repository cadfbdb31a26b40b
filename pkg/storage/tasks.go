package storage

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

// TaskUpdate lists the projected task fields that may change after creation.
// Nil fields are left untouched.
type TaskUpdate struct {
	State     *string
	Score     *int
	Node      *string
	Machine   *string
	Scheduled *bool
}

// InsertTasks bulk-inserts the rows of freshly created tasks in one
// transaction.
func (stor *Storage) InsertTasks(ctx context.Context, rows []TaskRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := stor.DB.BeginTxx(ctx, nil)
	if err != nil {
		return ErrInsert{Err: err}
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO tasks (id, kind, number, created_on, analysis_id, priority,
		                    state, scheduled, node, machine, machine_tags,
		                    platform, os_version, route, score)
		 VALUES (:id, :kind, :number, :created_on, :analysis_id, :priority,
		         :state, :scheduled, :node, :machine, :machine_tags,
		         :platform, :os_version, :route, :score)`, rows)
	if err != nil {
		return ErrInsert{Err: err}
	}

	if err := tx.Commit(); err != nil {
		return ErrInsert{Err: err}
	}
	return nil
}

// UpdateTask applies a set-based update to one task row.
func (stor *Storage) UpdateTask(ctx context.Context, id string, upd TaskUpdate) error {
	var sets []string
	var args []any
	if upd.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *upd.State)
	}
	if upd.Score != nil {
		sets = append(sets, "score = ?")
		args = append(args, *upd.Score)
	}
	if upd.Node != nil {
		sets = append(sets, "node = ?")
		args = append(args, *upd.Node)
	}
	if upd.Machine != nil {
		sets = append(sets, "machine = ?")
		args = append(args, *upd.Machine)
	}
	if upd.Scheduled != nil {
		sets = append(sets, "scheduled = ?")
		args = append(args, *upd.Scheduled)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := stor.DB.ExecContext(ctx, stor.DB.Rebind(query), args...); err != nil {
		return ErrUpdate{Err: err}
	}
	return nil
}

// unfinishedStates are the task states that still require work before their
// analysis can be finalized.
var unfinishedStates = []string{"pending", "running", "run_completed", "pending_post"}

// HasUnfinishedTasks reports whether the analysis still has tasks that did
// not reach a terminal state.
func (stor *Storage) HasUnfinishedTasks(ctx context.Context, analysisID string) (bool, error) {
	query, args, err := sqlx.In(
		`SELECT COUNT(*) FROM tasks WHERE analysis_id = ? AND state IN (?)`,
		analysisID, unfinishedStates)
	if err != nil {
		return false, ErrSelect{Err: err}
	}

	var count int
	err = stor.DB.GetContext(ctx, &count, stor.DB.Rebind(query), args...)
	if err != nil {
		return false, ErrSelect{Err: err}
	}
	return count > 0, nil
}

// UnscheduledPendingTasks returns pending tasks not yet handed to a node,
// most urgent first.
func (stor *Storage) UnscheduledPendingTasks(ctx context.Context) ([]TaskRow, error) {
	var rows []TaskRow
	err := stor.DB.SelectContext(ctx, &rows, stor.DB.Rebind(
		`SELECT * FROM tasks WHERE state = ? AND scheduled = ?
		 ORDER BY priority DESC, created_on ASC`), "pending", false)
	if err != nil {
		return nil, ErrSelect{Err: err}
	}
	return rows, nil
}

// ScheduledTasks returns tasks still marked as handed to a node. At boot
// these are abandoned: no node can report back for them anymore.
func (stor *Storage) ScheduledTasks(ctx context.Context) ([]TaskRow, error) {
	var rows []TaskRow
	err := stor.DB.SelectContext(ctx, &rows, stor.DB.Rebind(
		`SELECT * FROM tasks WHERE scheduled = ?`), true)
	if err != nil {
		return nil, ErrSelect{Err: err}
	}
	return rows, nil
}

// SetTasksScheduled flips the scheduled flag for the given task ids.
func (stor *Storage) SetTasksScheduled(ctx context.Context, scheduled bool, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		`UPDATE tasks SET scheduled = ? WHERE id IN (?)`, scheduled, ids)
	if err != nil {
		return ErrUpdate{Err: err}
	}
	if _, err := stor.DB.ExecContext(ctx, stor.DB.Rebind(query), args...); err != nil {
		return ErrUpdate{Err: err}
	}
	return nil
}

// CountTasksByState returns the number of tasks per state.
func (stor *Storage) CountTasksByState(ctx context.Context) (map[string]int, error) {
	rows, err := stor.DB.QueryxContext(ctx,
		`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, ErrSelect{Err: err}
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, ErrSelect{Err: err}
		}
		counts[state] = count
	}
	return counts, rows.Err()
}
