package controller

import (
	"github.com/immune-gmbh/dsas/pkg/analysis"
)

// Control message subjects accepted on the controller socket.
const (
	SubjectTrackNew          = "tracknew"
	SubjectManualSetSettings = "manualsetsettings"
	SubjectWorkDone          = "workdone"
	SubjectWorkFailed        = "workfail"
	SubjectTaskRunDone       = "taskrundone"
	SubjectTaskRunFailed     = "taskrunfailed"
	SubjectStatus            = "status"
)

// Work kinds reported through workdone/workfail messages.
const (
	KindIdentification = "identification"
	KindPre            = "pre"
	KindPost           = "post"
)

// TrackNewMsg announces a new analysis document in the untracked
// directory.
type TrackNewMsg struct {
	Subject    string `json:"subject"`
	AnalysisID string `json:"analysis_id"`
}

// ManualSetSettingsMsg delivers operator-chosen settings for an
// analysis waiting in manual mode.
type ManualSetSettingsMsg struct {
	Subject    string            `json:"subject"`
	AnalysisID string            `json:"analysis_id"`
	Settings   analysis.Settings `json:"settings"`
}

// WorkDoneMsg reports a completed processing stage. TaskID is only set
// for post-processing, which works per task.
type WorkDoneMsg struct {
	Subject    string `json:"subject"`
	Kind       string `json:"kind"`
	AnalysisID string `json:"analysis_id"`
	TaskID     string `json:"task_id,omitempty"`
}

// WorkFailedMsg reports a crashed processing stage.
type WorkFailedMsg struct {
	Subject    string `json:"subject"`
	Kind       string `json:"kind"`
	AnalysisID string `json:"analysis_id"`
	TaskID     string `json:"task_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TaskRunDoneMsg reports that a task's machine run produced a result.
type TaskRunDoneMsg struct {
	Subject    string `json:"subject"`
	AnalysisID string `json:"analysis_id"`
	TaskID     string `json:"task_id"`
}

// TaskRunFailedMsg reports that a task's machine run failed for good.
type TaskRunFailedMsg struct {
	Subject    string `json:"subject"`
	AnalysisID string `json:"analysis_id"`
	TaskID     string `json:"task_id"`
	Error      string `json:"error,omitempty"`
}

// StatusReply answers a status request with the index counters.
type StatusReply struct {
	AnalysesByState map[string]int `json:"analyses_by_state"`
	TasksByState    map[string]int `json:"tasks_by_state"`
	QueuedWork      int            `json:"queued_work"`
	TrackedMachines int            `json:"tracked_machines,omitempty"`
}
