package storage

import (
	"strings"
	"time"
)

// AnalysisRow is the queryable projection of one analysis document.
type AnalysisRow struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	CreatedOn time.Time `db:"created_on"`
	State     string    `db:"state"`
	Priority  int       `db:"priority"`
	Score     int       `db:"score"`
}

// TaskRow is the queryable projection of one task document. MachineTags is
// stored comma-joined; use SetMachineTags/GetMachineTags.
type TaskRow struct {
	ID          string    `db:"id"`
	Kind        string    `db:"kind"`
	Number      int       `db:"number"`
	CreatedOn   time.Time `db:"created_on"`
	AnalysisID  string    `db:"analysis_id"`
	Priority    int       `db:"priority"`
	State       string    `db:"state"`
	Scheduled   bool      `db:"scheduled"`
	Node        string    `db:"node"`
	Machine     string    `db:"machine"`
	MachineTags string    `db:"machine_tags"`
	Platform    string    `db:"platform"`
	OSVersion   string    `db:"os_version"`
	Route       string    `db:"route"`
	Score       int       `db:"score"`
}

func (row *TaskRow) SetMachineTags(tags []string) {
	row.MachineTags = strings.Join(tags, ",")
}

func (row *TaskRow) GetMachineTags() []string {
	if row.MachineTags == "" {
		return nil
	}
	return strings.Split(row.MachineTags, ",")
}
