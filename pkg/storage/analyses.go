package storage

import (
	"context"
	"strings"
)

// AnalysisUpdate lists the projected analysis fields that may change after
// creation. Nil fields are left untouched.
type AnalysisUpdate struct {
	State *string
	Score *int
}

// UpsertAnalyses registers newly tracked analyses in the index. Re-tracking
// an already known id is a no-op, which keeps the discovery path idempotent.
func (stor *Storage) UpsertAnalyses(ctx context.Context, rows ...AnalysisRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := stor.DB.BeginTxx(ctx, nil)
	if err != nil {
		return ErrInsert{Err: err}
	}
	defer tx.Rollback()

	for _, row := range rows {
		// Portable across sqlite and mysql; the loop runs inside one
		// transaction and only on the low-volume discovery path.
		var known int
		err := tx.GetContext(ctx, &known,
			tx.Rebind(`SELECT COUNT(*) FROM analyses WHERE id = ?`), row.ID)
		if err != nil {
			return ErrSelect{Err: err}
		}
		if known > 0 {
			continue
		}

		_, err = tx.NamedExecContext(ctx,
			`INSERT INTO analyses (id, kind, created_on, state, priority, score)
			 VALUES (:id, :kind, :created_on, :state, :priority, :score)`, row)
		if err != nil {
			return ErrInsert{Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return ErrInsert{Err: err}
	}
	return nil
}

// UpdateAnalysis applies a set-based update to one analysis row.
func (stor *Storage) UpdateAnalysis(ctx context.Context, id string, upd AnalysisUpdate) error {
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
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE analyses SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := stor.DB.ExecContext(ctx, stor.DB.Rebind(query), args...); err != nil {
		return ErrUpdate{Err: err}
	}
	return nil
}

// CountAnalysesByState returns the number of analyses per state.
func (stor *Storage) CountAnalysesByState(ctx context.Context) (map[string]int, error) {
	rows, err := stor.DB.QueryxContext(ctx,
		`SELECT state, COUNT(*) FROM analyses GROUP BY state`)
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
