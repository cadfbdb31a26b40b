package analysis

import (
	"fmt"
	"time"

	"github.com/immune-gmbh/dsas/pkg/errtrack"
)

const (
	// KindStandard is the default analysis kind: identify, pre-process,
	// run on machines, post-process.
	KindStandard = "standard"
)

// TaskSummary is the per-task digest kept on the analysis document, so
// a reader of the analysis does not need to open every task document.
type TaskSummary struct {
	ID        string     `json:"id"`
	Platform  string     `json:"platform"`
	OSVersion string     `json:"os_version,omitempty"`
	State     string     `json:"state"`
	Score     int        `json:"score"`
	Node      string     `json:"node,omitempty"`
	StartedOn *time.Time `json:"started_on,omitempty"`
	StoppedOn *time.Time `json:"stopped_on,omitempty"`
}

// Analysis is the top-level document of one submission. It is persisted
// as a JSON document in the analysis directory; state, score and a few
// listing fields are mirrored into the relational index.
type Analysis struct {
	ID        string             `json:"id"`
	Kind      string             `json:"kind"`
	State     string             `json:"state"`
	CreatedOn time.Time          `json:"created_on"`
	Settings  Settings           `json:"settings"`
	Target    *Target            `json:"target,omitempty"`
	Tasks     []TaskSummary      `json:"tasks"`
	Score     int                `json:"score"`
	Tags      []string           `json:"tags,omitempty"`
	Families  []string           `json:"families,omitempty"`
	Errors    errtrack.Container `json:"errors"`

	// Snapshot of the indexed fields at load time, used to skip index
	// writes when nothing indexed changed.
	loadedState string
	loadedScore int
}

// New returns a fresh analysis in its initial state.
func New(id string, settings Settings, target *Target) *Analysis {
	return &Analysis{
		ID:        id,
		Kind:      KindStandard,
		State:     StatePendingIdentification,
		CreatedOn: time.Now().UTC(),
		Settings:  settings,
		Target:    target,
	}
}

// SetState advances the analysis to the given state. Transitions must
// follow the lifecycle graph; terminal states accept none.
func (a *Analysis) SetState(newState string) error {
	if !validTransition(a.State, newState) {
		return ErrIllegalTransition{AnalysisID: a.ID, From: a.State, To: newState}
	}
	a.State = newState
	return nil
}

// SetFatal moves the analysis into the absorbing failure state and
// records the reason. A no-op if the analysis already failed.
func (a *Analysis) SetFatal(reason string) {
	if IsTerminal(a.State) && a.State != StateFatalError {
		// A finished analysis stays finished; only record the reason.
		if reason != "" {
			a.Errors.Errors = append(a.Errors.Errors, reason)
		}
		return
	}
	a.State = StateFatalError
	if reason != "" {
		a.Errors.Fatal = append(a.Errors.Fatal, reason)
	}
}

// UpdateFromReport folds a stage report into the analysis rollups. The
// score only ever grows; tags and families are deduplicated unions.
func (a *Analysis) UpdateFromReport(score int, tags, families []string) {
	if score > a.Score {
		a.Score = score
	}
	a.Tags = mergeUnique(a.Tags, tags)
	a.Families = mergeUnique(a.Families, families)
}

// TaskSummaryUpdate carries the fields of a task summary to change. Nil
// pointers leave the field alone.
type TaskSummaryUpdate struct {
	State     *string
	Score     *int
	Node      *string
	StartedOn *time.Time
	StoppedOn *time.Time
}

// UpdateTask applies an update to the summary of the given task.
func (a *Analysis) UpdateTask(taskID string, update TaskSummaryUpdate) error {
	for idx := range a.Tasks {
		if a.Tasks[idx].ID != taskID {
			continue
		}
		summary := &a.Tasks[idx]
		if update.State != nil {
			summary.State = *update.State
		}
		if update.Score != nil && *update.Score > summary.Score {
			summary.Score = *update.Score
		}
		if update.Node != nil {
			summary.Node = *update.Node
		}
		if update.StartedOn != nil {
			summary.StartedOn = update.StartedOn
		}
		if update.StoppedOn != nil {
			summary.StoppedOn = update.StoppedOn
		}
		return nil
	}
	return fmt.Errorf("analysis '%s' has no task '%s'", a.ID, taskID)
}

// OverwritePlatforms replaces the requested platforms, keeping the
// analysis-wide per-platform fallbacks intact. Used when a stage or a
// manual operator decides the final platform list.
func (a *Analysis) OverwritePlatforms(platforms []Platform) {
	a.Settings.Platforms = platforms
}

// DetermineFinalPlatforms intersects the requested platforms with the
// platforms the target was identified to run on. An empty request means
// every identified platform is selected. Returns the surviving list;
// empty if nothing matches.
func (a *Analysis) DetermineFinalPlatforms(identified []string) []Platform {
	if len(identified) == 0 {
		return a.Settings.Platforms
	}
	if len(a.Settings.Platforms) == 0 {
		platforms := make([]Platform, 0, len(identified))
		for _, name := range identified {
			platforms = append(platforms, Platform{Platform: name})
		}
		return platforms
	}

	allowed := map[string]struct{}{}
	for _, name := range identified {
		allowed[name] = struct{}{}
	}
	var final []Platform
	for _, p := range a.Settings.Platforms {
		if _, ok := allowed[p.Platform]; ok {
			final = append(final, p)
		}
	}
	return final
}

func mergeUnique(dst, add []string) []string {
	seen := map[string]struct{}{}
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
