package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/export"
	"github.com/duynguyendang/weeklyanalytics/pkg/ingest"
	"github.com/duynguyendang/weeklyanalytics/pkg/prompts"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/service/ai"
	"github.com/duynguyendang/weeklyanalytics/pkg/store"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
	"github.com/google/uuid"
)

// Extractor produces the validated batch of a period.
type Extractor interface {
	Extract(ctx context.Context, batchID string) (*ingest.Extraction, error)
}

// Gateway stores batches and vouches for committed ones.
type Gateway interface {
	UpsertBatch(ctx context.Context, batch *schema.Batch) (*store.UpsertReport, error)
	Verify(ctx context.Context, batchID string) (*store.Manifest, error)
}

// Materializer reads a committed batch back as a table.
type Materializer interface {
	Materialize(ctx context.Context, batchID string) (*table.Table, error)
}

// Analyzer submits an analysis request.
type Analyzer interface {
	Analyze(ctx context.Context, req ai.Request) (*ai.Result, error)
}

// Threshold and exhaustion policies.
const (
	PolicyAbort   = "abort"
	PolicyProceed = "proceed"
	PolicyDegrade = "degrade"
)

// Options tunes a pipeline.
type Options struct {
	TemplateID string
	// MaxRows windows the table sent for analysis; 0 sends every row.
	MaxRows   int
	ReportDir string
	LockTTL   time.Duration
	// MaxRejectRatio is the largest tolerated share of rejected rows.
	MaxRejectRatio float64
	// OnThreshold is PolicyAbort or PolicyProceed.
	OnThreshold string
	// OnExhausted is PolicyAbort or PolicyDegrade.
	OnExhausted string
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		TemplateID:     prompts.DefaultTemplate,
		ReportDir:      "reports",
		LockTTL:        30 * time.Minute,
		MaxRejectRatio: 0.5,
		OnThreshold:    PolicyAbort,
		OnExhausted:    PolicyAbort,
	}
}

// Validate checks policy names and bounds.
func (o Options) Validate() error {
	if o.OnThreshold != PolicyAbort && o.OnThreshold != PolicyProceed {
		return fmt.Errorf("%w: on_threshold must be %q or %q, got %q", apperrors.ErrInvalidInput, PolicyAbort, PolicyProceed, o.OnThreshold)
	}
	if o.OnExhausted != PolicyAbort && o.OnExhausted != PolicyDegrade {
		return fmt.Errorf("%w: on_exhausted must be %q or %q, got %q", apperrors.ErrInvalidInput, PolicyAbort, PolicyDegrade, o.OnExhausted)
	}
	if o.MaxRejectRatio < 0 || o.MaxRejectRatio > 1 {
		return fmt.Errorf("%w: max_reject_ratio must be within [0,1], got %v", apperrors.ErrInvalidInput, o.MaxRejectRatio)
	}
	if o.LockTTL <= 0 {
		return fmt.Errorf("%w: lock_ttl must be positive", apperrors.ErrInvalidInput)
	}
	if o.MaxRows < 0 {
		return fmt.Errorf("%w: max_rows must not be negative", apperrors.ErrInvalidInput)
	}
	return nil
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Extractor    Extractor
	Gateway      Gateway
	Materializer Materializer
	Analyzer     Analyzer
	Prompts      *prompts.Registry
	State        *store.StateStore
	Formatters   []export.Formatter
}

// Outcome is the result of a run that reached DONE.
type Outcome struct {
	RunID       string   `json:"run_id"`
	BatchID     string   `json:"batch_id"`
	Stage       Stage    `json:"stage"`
	ResumedFrom Stage    `json:"resumed_from,omitempty"`
	Degraded    bool     `json:"degraded"`
	ReportPaths []string `json:"report_paths"`
}

// Pipeline runs batches through extract, store, materialize, analyze and
// format, checkpointing RunState after every transition.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New validates opts and returns a pipeline. A nil logger uses
// slog.Default().
func New(deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Extractor == nil || deps.Gateway == nil || deps.Materializer == nil || deps.Analyzer == nil || deps.State == nil {
		return nil, fmt.Errorf("%w: pipeline is missing a collaborator", apperrors.ErrInvalidInput)
	}
	if deps.Prompts == nil {
		reg, err := prompts.NewRegistry("")
		if err != nil {
			return nil, err
		}
		deps.Prompts = reg
	}
	if len(deps.Formatters) == 0 {
		deps.Formatters = []export.Formatter{export.MarkdownFormatter{}}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger, now: time.Now}, nil
}

// SetClock replaces the clock used for RunState timestamps.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// run carries the in-memory outputs of one invocation.
type run struct {
	st      *RunState
	owner   string
	lease   *store.Lease
	batch   *schema.Batch
	tbl     *table.Table
	log     *slog.Logger
	resumed Stage
}

// Run drives batchID to DONE, resuming a failed or interrupted run of the
// same batch at the stage it stopped. Failures are *RunError.
func (p *Pipeline) Run(ctx context.Context, batchID string) (*Outcome, error) {
	id, err := schema.ParseBatchID(batchID)
	if err != nil {
		return nil, newRunError("", batchID, StagePending, err)
	}
	batchID = id

	owner, err := uuid.NewV7()
	if err != nil {
		return nil, newRunError("", batchID, StagePending, err)
	}
	lease, err := p.deps.State.Acquire(batchID, owner.String(), p.opts.LockTTL)
	if err != nil {
		return nil, newRunError("", batchID, StagePending, err)
	}
	defer func() {
		if err := p.deps.State.Release(lease); err != nil {
			p.logger.Warn("failed to release run lock", "batch", batchID, "error", err)
		}
	}()

	r := &run{owner: owner.String(), lease: lease}
	start, err := p.begin(r, batchID)
	if err != nil {
		return nil, newRunError("", batchID, StagePending, err)
	}
	r.log = p.logger.With("batch", batchID, "run_id", r.st.RunID)

	if start.index() > StageStoring.index() {
		start = p.verifyCommitted(ctx, r, start)
	}
	if r.resumed != "" {
		r.log.Info("resuming run", "stage", start, "resumes", r.st.Resumes)
	} else {
		r.log.Info("starting run")
	}

	for _, stage := range stages[start.index():] {
		if err := ctx.Err(); err != nil {
			return nil, p.fail(r, stage, err)
		}
		if err := p.enter(r, stage); err != nil {
			return nil, p.fail(r, stage, err)
		}
		if err := p.exec(ctx, r, stage); err != nil {
			return nil, p.fail(r, stage, err)
		}
	}

	return p.finish(r)
}

// begin loads or creates the RunState and picks the entry stage.
func (p *Pipeline) begin(r *run, batchID string) (Stage, error) {
	var st RunState
	err := p.deps.State.Load(batchID, &st)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return "", err
	case st.Stage == StageDone:
		// A finished run whose archive step did not complete.
		if err := p.deps.State.Archive(batchID, st.RunID, &st); err != nil {
			return "", err
		}
	default:
		start := st.Stage
		if st.Stage == StageFailed {
			start = st.FailedStage
		}
		if start.index() < 0 {
			start = StageExtracting
		}
		// STORING needs the batch, which lives only in memory.
		if start == StageStoring {
			start = StageExtracting
		}
		st.Resumes++
		st.LastError = nil
		st.FailedStage = ""
		r.st = &st
		r.resumed = start
		return start, nil
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := p.now().UTC()
	r.st = &RunState{
		RunID:     runID.String(),
		BatchID:   batchID,
		Stage:     StagePending,
		Attempts:  make(map[Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return StageExtracting, p.deps.State.Save(batchID, r.st)
}

// verifyCommitted confirms the stored batch still matches its manifest
// before skipping extraction. A batch that cannot be confirmed is rebuilt
// from EXTRACTING.
func (p *Pipeline) verifyCommitted(ctx context.Context, r *run, start Stage) Stage {
	m, err := p.deps.Gateway.Verify(ctx, r.st.BatchID)
	if err != nil {
		r.log.Warn("committed batch could not be verified, re-extracting", "stage", start, "error", err)
		return StageExtracting
	}
	if r.st.Checkpoint.ManifestDigest != "" && m.Digest != r.st.Checkpoint.ManifestDigest {
		r.log.Warn("batch changed since it was stored, re-extracting", "stage", start)
		return StageExtracting
	}
	return start
}

// enter persists the transition into stage and renews the run lock.
func (p *Pipeline) enter(r *run, stage Stage) error {
	lease, err := p.deps.State.Acquire(r.st.BatchID, r.owner, p.opts.LockTTL)
	if err != nil {
		return err
	}
	r.lease = lease

	r.st.Stage = stage
	if r.st.Attempts == nil {
		r.st.Attempts = make(map[Stage]int)
	}
	r.st.Attempts[stage]++
	r.st.UpdatedAt = p.now().UTC()
	r.log.Debug("entering stage", "stage", stage, "attempt", r.st.Attempts[stage])
	return p.deps.State.Save(r.st.BatchID, r.st)
}

func (p *Pipeline) exec(ctx context.Context, r *run, stage Stage) error {
	switch stage {
	case StageExtracting:
		return p.extract(ctx, r)
	case StageStoring:
		return p.storeBatch(ctx, r)
	case StageMaterializing:
		return p.materialize(ctx, r)
	case StageAnalyzing:
		return p.analyze(ctx, r)
	case StageFormatting:
		return p.format(ctx, r)
	default:
		return fmt.Errorf("%w: no handler for stage %s", apperrors.ErrInternal, stage)
	}
}

func (p *Pipeline) extract(ctx context.Context, r *run) error {
	ex, err := p.deps.Extractor.Extract(ctx, r.st.BatchID)
	if err != nil {
		return err
	}
	cp := &r.st.Checkpoint
	cp.Files = len(ex.Files)
	cp.SourceRows = ex.Rows
	cp.Records = len(ex.Batch.Records)
	cp.Rejected = len(ex.Rejects)
	cp.RejectRatio = ex.RejectRatio()
	cp.Rejects = cp.Rejects[:0]
	for i, rej := range ex.Rejects {
		if i == maxRejectMessages {
			break
		}
		cp.Rejects = append(cp.Rejects, rej.Error())
	}

	if cp.RejectRatio > p.opts.MaxRejectRatio {
		if p.opts.OnThreshold == PolicyAbort {
			return fmt.Errorf("%w: %d of %d rows rejected (%.2f > %.2f)",
				apperrors.ErrThresholdExceeded, cp.Rejected, cp.SourceRows, cp.RejectRatio, p.opts.MaxRejectRatio)
		}
		r.log.Warn("reject ratio above threshold, proceeding with valid rows",
			"rejected", cp.Rejected, "rows", cp.SourceRows, "ratio", cp.RejectRatio)
	}
	// An empty extraction must never replace a stored batch.
	if len(ex.Batch.Records) == 0 {
		return fmt.Errorf("%w: extraction of %s produced no valid records from %d file(s)",
			apperrors.ErrEmptyBatch, r.st.BatchID, cp.Files)
	}
	r.batch = ex.Batch
	return nil
}

func (p *Pipeline) storeBatch(ctx context.Context, r *run) error {
	rep, err := p.deps.Gateway.UpsertBatch(ctx, r.batch)
	if err != nil {
		return err
	}
	cp := &r.st.Checkpoint
	cp.Inserted, cp.Replaced, cp.Unchanged, cp.Pruned = rep.Inserted, rep.Replaced, rep.Unchanged, rep.Pruned
	if !rep.Committed() {
		return fmt.Errorf("%w: %d of %d records failed, first: %s",
			apperrors.ErrPartialCommit, rep.Failed, len(r.batch.Records), rep.Failures[0].Key)
	}
	if !rep.Manifest.Matches(r.batch) {
		return fmt.Errorf("%w: manifest does not match the extracted batch", apperrors.ErrPartialCommit)
	}
	cp.ManifestDigest = rep.Manifest.Digest
	return nil
}

func (p *Pipeline) materialize(ctx context.Context, r *run) error {
	tbl, err := p.deps.Materializer.Materialize(ctx, r.st.BatchID)
	if err != nil {
		return err
	}
	r.tbl = tbl
	r.st.Checkpoint.TableRows = tbl.Len()
	r.st.Checkpoint.TableDigest = tbl.Digest()
	return nil
}

// table returns the run's table, reading it back when the run resumed
// past MATERIALIZING.
func (p *Pipeline) table(ctx context.Context, r *run) (*table.Table, error) {
	if r.tbl != nil {
		return r.tbl, nil
	}
	tbl, err := p.deps.Materializer.Materialize(ctx, r.st.BatchID)
	if err != nil {
		return nil, err
	}
	if d := r.st.Checkpoint.TableDigest; d != "" && d != tbl.Digest() {
		r.log.Warn("table differs from checkpoint", "checkpoint", d, "current", tbl.Digest())
		r.st.Checkpoint.TableDigest = tbl.Digest()
	}
	r.tbl = tbl
	return tbl, nil
}

func (p *Pipeline) analyze(ctx context.Context, r *run) error {
	tbl, err := p.table(ctx, r)
	if err != nil {
		return err
	}
	req, err := ai.NewRequest(p.deps.Prompts, r.st.BatchID, p.opts.TemplateID, tbl, p.opts.MaxRows)
	if err != nil {
		return err
	}
	cp := &r.st.Checkpoint
	cp.RequestID = req.ID
	cp.Result = nil
	cp.Degraded = false

	res, err := p.deps.Analyzer.Analyze(ctx, req)
	if err != nil {
		cp.Result = res
		return err
	}
	cp.Result = res
	if res.Status == ai.StatusFailedExhausted {
		if p.opts.OnExhausted == PolicyDegrade {
			r.log.Warn("analysis exhausted, degrading report", "attempts", res.Attempts)
			cp.Degraded = true
			return nil
		}
		return fmt.Errorf("%w: %d attempts, last %s: %s", apperrors.ErrAnalysisExhausted, res.Attempts, res.LastClass, res.LastError)
	}
	return nil
}

func (p *Pipeline) format(ctx context.Context, r *run) error {
	tbl, err := p.table(ctx, r)
	if err != nil {
		return err
	}
	cp := &r.st.Checkpoint
	rep := export.Report{
		BatchID:     r.st.BatchID,
		RunID:       r.st.RunID,
		Status:      export.StatusOK,
		Summary:     tbl.Summary(),
		Rejected:    cp.Rejected,
		GeneratedAt: p.now().UTC(),
		Degraded:    cp.Degraded,
	}
	switch {
	case cp.Degraded:
		rep.Status = export.StatusDegraded
		rep.Reason = "analysis retries exhausted"
		if cp.Result != nil {
			rep.TemplateID = cp.Result.TemplateID
		}
	case cp.Result == nil || cp.Result.Status != ai.StatusOK:
		return fmt.Errorf("%w: no analysis result to format", apperrors.ErrInternal)
	default:
		rep.TemplateID = cp.Result.TemplateID
		rep.Payload = cp.Result.Payload
		rep.Analysis, _ = export.ParseAnalysis(cp.Result.Payload)
	}

	paths, err := export.WriteReports(p.opts.ReportDir, rep, p.deps.Formatters)
	if err != nil {
		return err
	}
	cp.ReportPaths = paths
	return nil
}

// fail persists FAILED(stage) and returns the run error.
func (p *Pipeline) fail(r *run, stage Stage, err error) *RunError {
	re := newRunError(r.st.RunID, r.st.BatchID, stage, err)
	now := p.now().UTC()
	r.st.Stage = StageFailed
	r.st.FailedStage = stage
	r.st.LastError = &LastError{Class: re.Class, Message: err.Error(), Resumable: re.Resumable, At: now}
	r.st.UpdatedAt = now
	if serr := p.deps.State.Save(r.st.BatchID, r.st); serr != nil {
		r.log.Error("failed to persist run state", "stage", stage, "error", serr)
	}
	r.log.Error("run failed", "stage", stage, "class", re.Class, "resumable", re.Resumable, "error", err)
	return re
}

// finish marks the run DONE and archives its state.
func (p *Pipeline) finish(r *run) (*Outcome, error) {
	r.st.Stage = StageDone
	r.st.UpdatedAt = p.now().UTC()
	if err := p.deps.State.Save(r.st.BatchID, r.st); err != nil {
		return nil, p.fail(r, StageFormatting, err)
	}
	if err := p.deps.State.Archive(r.st.BatchID, r.st.RunID, r.st); err != nil {
		r.log.Warn("failed to archive run state", "error", err)
	}

	out := &Outcome{
		RunID:       r.st.RunID,
		BatchID:     r.st.BatchID,
		Stage:       StageDone,
		ResumedFrom: r.resumed,
		Degraded:    r.st.Checkpoint.Degraded,
		ReportPaths: r.st.Checkpoint.ReportPaths,
	}
	r.log.Info("run complete", "degraded", out.Degraded, "reports", out.ReportPaths)
	return out, nil
}

// Status returns the current RunState of a batch, or its most recent
// archived one when no run is in flight.
func (p *Pipeline) Status(batchID string) (*RunState, error) {
	var st RunState
	err := p.deps.State.Load(batchID, &st)
	if err == nil {
		return &st, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	hist, herr := store.History[RunState](p.deps.State, batchID)
	if herr != nil {
		return nil, herr
	}
	if len(hist) == 0 {
		return nil, err
	}
	return &hist[len(hist)-1], nil
}

// History returns the archived runs of a batch, oldest first.
func (p *Pipeline) History(batchID string) ([]RunState, error) {
	return store.History[RunState](p.deps.State, batchID)
}

// Runs returns the latest RunState of every known batch.
func (p *Pipeline) Runs() ([]RunState, error) {
	current, err := p.deps.State.Batches()
	if err != nil {
		return nil, err
	}
	archived, err := p.deps.State.ArchivedBatches()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []RunState
	for _, id := range append(current, archived...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		st, err := p.Status(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}
