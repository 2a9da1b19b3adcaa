package pipeline

import (
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/service/ai"
)

// Stage is a step of a run.
type Stage string

const (
	StagePending       Stage = "PENDING"
	StageExtracting    Stage = "EXTRACTING"
	StageStoring       Stage = "STORING"
	StageMaterializing Stage = "MATERIALIZING"
	StageAnalyzing     Stage = "ANALYZING"
	StageFormatting    Stage = "FORMATTING"
	StageDone          Stage = "DONE"
	StageFailed        Stage = "FAILED"
)

// stages lists the working stages in run order.
var stages = []Stage{StageExtracting, StageStoring, StageMaterializing, StageAnalyzing, StageFormatting}

// Terminal reports whether no further transition follows s.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

func (s Stage) index() int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

// LastError is the persisted form of a stage failure.
type LastError struct {
	Class     apperrors.Class `json:"class"`
	Message   string          `json:"message"`
	Resumable bool            `json:"resumable"`
	At        time.Time       `json:"at"`
}

// Checkpoint holds the committed outputs of completed stages.
type Checkpoint struct {
	// EXTRACTING
	Files       int      `json:"files,omitempty"`
	SourceRows  int      `json:"source_rows,omitempty"`
	Records     int      `json:"records"`
	Rejected    int      `json:"rejected"`
	RejectRatio float64  `json:"reject_ratio"`
	Rejects     []string `json:"rejects,omitempty"`

	// STORING
	Inserted       int    `json:"inserted"`
	Replaced       int    `json:"replaced"`
	Unchanged      int    `json:"unchanged"`
	Pruned         int    `json:"pruned"`
	ManifestDigest string `json:"manifest_digest,omitempty"`

	// MATERIALIZING
	TableRows   int    `json:"table_rows,omitempty"`
	TableDigest string `json:"table_digest,omitempty"`

	// ANALYZING
	RequestID string     `json:"request_id,omitempty"`
	Result    *ai.Result `json:"result,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`

	// FORMATTING
	ReportPaths []string `json:"report_paths,omitempty"`
}

// RunState is the persisted checkpoint of one run of a batch. Only the
// pipeline mutates it; it is saved after every transition.
type RunState struct {
	RunID       string        `json:"run_id"`
	BatchID     string        `json:"batch_id"`
	Stage       Stage         `json:"stage"`
	FailedStage Stage         `json:"failed_stage,omitempty"`
	Attempts    map[Stage]int `json:"attempts"`
	Resumes     int           `json:"resumes"`
	LastError   *LastError    `json:"last_error,omitempty"`
	Checkpoint  Checkpoint    `json:"checkpoint"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// maxRejectMessages bounds the reject reasons kept in RunState.
const maxRejectMessages = 20
