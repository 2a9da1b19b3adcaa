package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duynguyendang/weeklyanalytics/internal/manager"
	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/export"
	"github.com/duynguyendang/weeklyanalytics/pkg/ingest"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/service/ai"
	"github.com/duynguyendang/weeklyanalytics/pkg/store"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const week = "2024-W20"

var fixedNow = func() time.Time { return time.Date(2024, 5, 17, 9, 0, 0, 0, time.UTC) }

type countingExtractor struct {
	inner Extractor
	calls atomic.Int32
}

func (c *countingExtractor) Extract(ctx context.Context, batchID string) (*ingest.Extraction, error) {
	c.calls.Add(1)
	return c.inner.Extract(ctx, batchID)
}

// flakyMaterializer fails its first n calls with err.
type flakyMaterializer struct {
	inner Materializer
	n     int
	err   error
	calls int
}

func (f *flakyMaterializer) Materialize(ctx context.Context, batchID string) (*table.Table, error) {
	f.calls++
	if f.calls <= f.n {
		return nil, f.err
	}
	return f.inner.Materialize(ctx, batchID)
}

type mockAnalyzer struct{ mock.Mock }

func (m *mockAnalyzer) Analyze(ctx context.Context, req ai.Request) (*ai.Result, error) {
	args := m.Called(ctx, req)
	var res *ai.Result
	switch v := args.Get(0).(type) {
	case func(context.Context, ai.Request) *ai.Result:
		res = v(ctx, req)
	case *ai.Result:
		res = v
	}
	return res, args.Error(1)
}

func okResult(req ai.Request) *ai.Result {
	return &ai.Result{
		RequestID:   req.ID,
		BatchID:     req.BatchID,
		TemplateID:  req.TemplateID,
		Status:      ai.StatusOK,
		Payload:     `{"summary":"Two active deals; Acme leads."}`,
		Attempts:    1,
		GeneratedAt: fixedNow(),
	}
}

type harness struct {
	dir       string
	reports   string
	extractor *countingExtractor
	gateway   *store.Gateway
	mat       *flakyMaterializer
	analyzer  *mockAnalyzer
	state     *store.StateStore
}

func writeWorkbook(t *testing.T, path string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		row := r
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

// newHarness writes the 2024-W20 sheet: three rows, one with a bad date.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "source")
	require.NoError(t, os.MkdirAll(src, 0o755))
	writeWorkbook(t, filepath.Join(src, "funnel.xlsx"), [][]any{
		{"Company", "Project", "Value", "Probability (%)", "Status", "Start Date", "Expected Close"},
		{"Zeta Ltd", "Data Lake", 50000, 30, "Low", "2024-02-01", "2024-09-30"},
		{"Acme Corp", "ERP Rollout", 100000, 60, "High", "2024-01-15", "2024-07-01"},
		{"Bad Dates Inc", "Migration", 1000, 10, "Medium", "not a date", "2024-07-01"},
	})

	ex := ingest.NewExtractor(ingest.ExtractorConfig{Dir: src, Workers: 2}, schema.Funnel(), nil)
	ex.Now = fixedNow

	sm := manager.NewStoreManager(filepath.Join(dir, "collections"), manager.MemoryProfileDefault, false)
	t.Cleanup(sm.CloseAll)
	gw := store.NewGateway(sm, nil)

	cfg := store.DefaultConfig("")
	cfg.InMemory = true
	state, err := store.OpenStateStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	return &harness{
		dir:       dir,
		reports:   filepath.Join(dir, "reports"),
		extractor: &countingExtractor{inner: ex},
		gateway:   gw,
		mat:       &flakyMaterializer{inner: table.NewMaterializer(gw, schema.Funnel())},
		analyzer:  new(mockAnalyzer),
		state:     state,
	}
}

func (h *harness) pipeline(t *testing.T, mutate func(*Options)) *Pipeline {
	t.Helper()
	opts := DefaultOptions()
	opts.ReportDir = h.reports
	if mutate != nil {
		mutate(&opts)
	}
	fs, err := export.Formatters([]string{"markdown", "json"})
	require.NoError(t, err)
	p, err := New(Deps{
		Extractor:    h.extractor,
		Gateway:      h.gateway,
		Materializer: h.mat,
		Analyzer:     h.analyzer,
		State:        h.state,
		Formatters:   fs,
	}, opts, nil)
	require.NoError(t, err)
	p.SetClock(fixedNow)
	return p
}

func (h *harness) analyzeOK() *mock.Call {
	return h.analyzer.On("Analyze", mock.Anything, mock.Anything).
		Return(func(_ context.Context, req ai.Request) *ai.Result { return okResult(req) }, nil)
}

func requireRunError(t *testing.T, err error) *RunError {
	t.Helper()
	var re *RunError
	require.True(t, errors.As(err, &re), "expected *RunError, got %v", err)
	return re
}

func TestRunWeeklyScenario(t *testing.T) {
	h := newHarness(t)
	h.analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(req ai.Request) bool {
		return req.BatchID == week && req.Rows == 2 && !req.Truncated
	})).Return(func(_ context.Context, req ai.Request) *ai.Result { return okResult(req) }, nil).Once()

	out, err := h.pipeline(t, nil).Run(context.Background(), week)
	require.NoError(t, err)
	assert.Equal(t, StageDone, out.Stage)
	assert.Equal(t, week, out.BatchID)
	assert.False(t, out.Degraded)
	assert.Empty(t, out.ResumedFrom)
	require.Len(t, out.ReportPaths, 2)

	md, err := os.ReadFile(filepath.Join(h.reports, week+".md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "Two active deals; Acme leads.")
	assert.Contains(t, string(md), "| Opportunities | 2 |")
	assert.Contains(t, string(md), "- Rejected rows: 1")

	st, err := h.pipeline(t, nil).Status(week)
	require.NoError(t, err)
	assert.Equal(t, StageDone, st.Stage)
	assert.Equal(t, out.RunID, st.RunID)
	assert.Equal(t, 2, st.Checkpoint.Records)
	assert.Equal(t, 1, st.Checkpoint.Rejected)
	require.Len(t, st.Checkpoint.Rejects, 1)
	assert.Contains(t, st.Checkpoint.Rejects[0], "start_date")
	assert.Equal(t, 2, st.Checkpoint.Inserted)
	assert.Equal(t, 2, st.Checkpoint.TableRows)
	assert.Equal(t, ai.StatusOK, st.Checkpoint.Result.Status)
	for _, stage := range stages {
		assert.Equal(t, 1, st.Attempts[stage], stage)
	}

	tbl, err := h.mat.inner.Materialize(context.Background(), week)
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "2024-W20:acme-corp/erp-rollout", tbl.Rows[0][0].String())
	assert.Equal(t, "2024-W20:zeta-ltd/data-lake", tbl.Rows[1][0].String())

	holder, err := h.state.Holder(week)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock released")
	h.analyzer.AssertExpectations(t)
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.analyzeOK()
	p := h.pipeline(t, nil)

	first, err := p.Run(context.Background(), week)
	require.NoError(t, err)
	tbl1, err := h.mat.inner.Materialize(context.Background(), week)
	require.NoError(t, err)

	second, err := p.Run(context.Background(), week)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	tbl2, err := h.mat.inner.Materialize(context.Background(), week)
	require.NoError(t, err)
	assert.Equal(t, tbl1.Digest(), tbl2.Digest())

	hist, err := p.History(week)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, first.RunID, hist[0].RunID)
	assert.Equal(t, 0, hist[1].Checkpoint.Inserted)
	assert.Equal(t, 2, hist[1].Checkpoint.Unchanged)
	assert.Equal(t, hist[0].Checkpoint.TableDigest, hist[1].Checkpoint.TableDigest)
}

func TestResumeAtMaterializingSkipsExtraction(t *testing.T) {
	h := newHarness(t)
	h.analyzeOK()
	h.mat.n = 1
	h.mat.err = fmt.Errorf("%w: disk went away", apperrors.ErrStorageUnavailable)
	p := h.pipeline(t, nil)

	_, err := p.Run(context.Background(), week)
	re := requireRunError(t, err)
	assert.Equal(t, StageMaterializing, re.Stage)
	assert.Equal(t, apperrors.ClassStorageUnavailable, re.Class)
	assert.True(t, re.Resumable)
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)

	st, err := p.Status(week)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, st.Stage)
	assert.Equal(t, StageMaterializing, st.FailedStage)
	require.NotNil(t, st.LastError)
	assert.True(t, st.LastError.Resumable)
	assert.Equal(t, int32(1), h.extractor.calls.Load())

	out, err := p.Run(context.Background(), week)
	require.NoError(t, err)
	assert.Equal(t, StageDone, out.Stage)
	assert.Equal(t, StageMaterializing, out.ResumedFrom)
	assert.Equal(t, re.RunID, out.RunID, "resumed run keeps its id")
	assert.Equal(t, int32(1), h.extractor.calls.Load(), "extractor not re-invoked")

	hist, err := p.History(week)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 1, hist[0].Resumes)
	assert.Equal(t, 2, hist[0].Attempts[StageMaterializing])
	assert.Equal(t, 1, hist[0].Attempts[StageExtracting])
}

func TestResumeReextractsWhenBatchChanged(t *testing.T) {
	h := newHarness(t)
	h.analyzeOK()
	h.mat.n = 1
	h.mat.err = fmt.Errorf("%w: flaky", apperrors.ErrStorageUnavailable)
	p := h.pipeline(t, nil)

	_, err := p.Run(context.Background(), week)
	require.Error(t, err)

	// Someone rewrote the batch with one record only.
	ex, err := h.extractor.inner.Extract(context.Background(), week)
	require.NoError(t, err)
	ex.Batch.Records = ex.Batch.Records[:1]
	_, err = h.gateway.UpsertBatch(context.Background(), ex.Batch)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), week)
	require.NoError(t, err)
	assert.Equal(t, StageDone, out.Stage)
	assert.Equal(t, int32(2), h.extractor.calls.Load())

	tbl, err := h.mat.inner.Materialize(context.Background(), week)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestResumeAtFormattingReusesAnalysis(t *testing.T) {
	h := newHarness(t)
	h.analyzeOK()
	// A file where the report directory should be makes FORMATTING fail.
	require.NoError(t, os.WriteFile(h.reports, []byte("x"), 0o644))
	p := h.pipeline(t, nil)

	_, err := p.Run(context.Background(), week)
	re := requireRunError(t, err)
	assert.Equal(t, StageFormatting, re.Stage)

	require.NoError(t, os.Remove(h.reports))
	out, err := p.Run(context.Background(), week)
	require.NoError(t, err)
	assert.Equal(t, StageFormatting, out.ResumedFrom)
	h.analyzer.AssertNumberOfCalls(t, "Analyze", 1)
	assert.FileExists(t, filepath.Join(h.reports, week+".json"))
}

func TestRunLockConflict(t *testing.T) {
	h := newHarness(t)
	_, err := h.state.Acquire(week, "another-runner", time.Hour)
	require.NoError(t, err)

	_, err = h.pipeline(t, nil).Run(context.Background(), week)
	re := requireRunError(t, err)
	assert.Equal(t, apperrors.ClassRunLockConflict, re.Class)
	assert.Equal(t, StagePending, re.Stage)
	assert.ErrorIs(t, err, apperrors.ErrRunLockConflict)
	assert.Equal(t, int32(0), h.extractor.calls.Load())

	_, err = h.pipeline(t, nil).Status(week)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "no state written")
}

func TestRejectThreshold(t *testing.T) {
	t.Run("abort", func(t *testing.T) {
		h := newHarness(t)
		p := h.pipeline(t, func(o *Options) { o.MaxRejectRatio = 0.2 })

		_, err := p.Run(context.Background(), week)
		re := requireRunError(t, err)
		assert.Equal(t, StageExtracting, re.Stage)
		assert.Equal(t, apperrors.ClassThreshold, re.Class)
		assert.True(t, re.Resumable)
		h.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)

		_, err = h.gateway.Verify(context.Background(), week)
		assert.Error(t, err, "nothing stored")
	})

	t.Run("proceed", func(t *testing.T) {
		h := newHarness(t)
		h.analyzeOK()
		p := h.pipeline(t, func(o *Options) {
			o.MaxRejectRatio = 0.2
			o.OnThreshold = PolicyProceed
		})

		out, err := p.Run(context.Background(), week)
		require.NoError(t, err)
		assert.Equal(t, StageDone, out.Stage)
	})
}

func exhausted(_ context.Context, req ai.Request) *ai.Result {
	return &ai.Result{RequestID: req.ID, BatchID: req.BatchID, TemplateID: req.TemplateID,
		Status: ai.StatusFailedExhausted, Attempts: 4, LastClass: ai.ClassServer, LastError: "503"}
}

func TestExhaustedAnalysis(t *testing.T) {
	t.Run("degrade", func(t *testing.T) {
		h := newHarness(t)
		h.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(exhausted, nil)
		p := h.pipeline(t, func(o *Options) { o.OnExhausted = PolicyDegrade })

		out, err := p.Run(context.Background(), week)
		require.NoError(t, err)
		assert.True(t, out.Degraded)

		md, err := os.ReadFile(filepath.Join(h.reports, week+".md"))
		require.NoError(t, err)
		assert.Contains(t, string(md), "Degraded report")
	})

	t.Run("abort then resume", func(t *testing.T) {
		h := newHarness(t)
		h.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(exhausted, nil).Once()
		p := h.pipeline(t, nil)

		_, err := p.Run(context.Background(), week)
		re := requireRunError(t, err)
		assert.Equal(t, StageAnalyzing, re.Stage)
		assert.Equal(t, apperrors.ClassAnalysisExhausted, re.Class)
		assert.True(t, re.Resumable)

		h.analyzeOK()
		out, err := p.Run(context.Background(), week)
		require.NoError(t, err)
		assert.Equal(t, StageAnalyzing, out.ResumedFrom)
		assert.False(t, out.Degraded)
		assert.Equal(t, int32(1), h.extractor.calls.Load())
	})
}

func TestRejectedAnalysisIsNotResumable(t *testing.T) {
	h := newHarness(t)
	h.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(
		&ai.Result{Status: ai.StatusRejected, Attempts: 1},
		fmt.Errorf("%w: blocked", apperrors.ErrAnalysisRejected),
	)

	_, err := h.pipeline(t, nil).Run(context.Background(), week)
	re := requireRunError(t, err)
	assert.Equal(t, StageAnalyzing, re.Stage)
	assert.Equal(t, apperrors.ClassAnalysisRejected, re.Class)
	assert.False(t, re.Resumable)

	st, err := h.pipeline(t, nil).Status(week)
	require.NoError(t, err)
	require.NotNil(t, st.Checkpoint.Result)
	assert.Equal(t, ai.StatusRejected, st.Checkpoint.Result.Status)
}

func TestCancelledRunIsResumable(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline(t, nil).Run(ctx, week)
	re := requireRunError(t, err)
	assert.Equal(t, StageExtracting, re.Stage)
	assert.Equal(t, apperrors.ClassCancelled, re.Class)
	assert.True(t, re.Resumable)

	h.analyzeOK()
	out, err := h.pipeline(t, nil).Run(context.Background(), week)
	require.NoError(t, err)
	assert.Equal(t, StageExtracting, out.ResumedFrom)
}

func TestCancelDuringAnalysis(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.analyzer.On("Analyze", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	_, err := h.pipeline(t, nil).Run(ctx, week)
	re := requireRunError(t, err)
	assert.Equal(t, StageAnalyzing, re.Stage)
	assert.Equal(t, apperrors.ClassCancelled, re.Class)

	st, err := h.pipeline(t, nil).Status(week)
	require.NoError(t, err)
	assert.Nil(t, st.Checkpoint.Result, "no result recorded for an aborted call")
}

func TestInvalidBatchID(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline(t, nil).Run(context.Background(), "week 20")
	re := requireRunError(t, err)
	assert.Equal(t, apperrors.ClassInvalidInput, re.Class)
	assert.False(t, re.Resumable)
}

func TestEmptyExtractionKeepsCommittedBatch(t *testing.T) {
	h := newHarness(t)
	h.analyzeOK()
	p := h.pipeline(t, nil)
	ctx := context.Background()

	_, err := p.Run(ctx, week)
	require.NoError(t, err)
	committed, err := h.gateway.Verify(ctx, week)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(h.dir, "source", "funnel.xlsx")))
	_, err = p.Run(ctx, week)
	re := requireRunError(t, err)
	assert.Equal(t, StageExtracting, re.Stage)
	assert.Equal(t, apperrors.ClassEmptyBatch, re.Class)

	recs, err := h.gateway.ReadBatch(ctx, week)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	m, err := h.gateway.Verify(ctx, week)
	require.NoError(t, err)
	assert.Len(t, m.Keys, 2)
	assert.Equal(t, committed.Digest, m.Digest)

	st, err := p.Status(week)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, st.Stage)
	assert.Equal(t, StageExtracting, st.FailedStage)
	assert.Zero(t, st.Checkpoint.Pruned)
}

func TestAllRowsRejectedWithProceedStoresNothing(t *testing.T) {
	h := newHarness(t)
	writeWorkbook(t, filepath.Join(h.dir, "source", "funnel.xlsx"), [][]any{
		{"Company", "Project", "Value", "Probability (%)", "Status", "Start Date", "Expected Close"},
		{"Bad Dates Inc", "Migration", 1000, 10, "Medium", "not a date", "2024-07-01"},
	})
	p := h.pipeline(t, func(o *Options) {
		o.MaxRejectRatio = 0.2
		o.OnThreshold = PolicyProceed
	})

	_, err := p.Run(context.Background(), week)
	re := requireRunError(t, err)
	assert.Equal(t, StageExtracting, re.Stage)
	assert.Equal(t, apperrors.ClassEmptyBatch, re.Class)

	_, err = h.gateway.ReadBatch(context.Background(), week)
	assert.ErrorIs(t, err, apperrors.ErrBatchNotFound)
	h.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestRuns(t *testing.T) {
	h := newHarness(t)
	h.analyzeOK()
	p := h.pipeline(t, nil)
	_, err := p.Run(context.Background(), week)
	require.NoError(t, err)

	runs, err := p.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, week, runs[0].BatchID)
	assert.Equal(t, StageDone, runs[0].Stage)
}

func TestOptionsValidate(t *testing.T) {
	o := DefaultOptions()
	require.NoError(t, o.Validate())

	o.OnThreshold = "ignore"
	assert.ErrorIs(t, o.Validate(), apperrors.ErrInvalidInput)

	o = DefaultOptions()
	o.MaxRejectRatio = 1.5
	assert.ErrorIs(t, o.Validate(), apperrors.ErrInvalidInput)

	o = DefaultOptions()
	o.OnExhausted = "retry"
	assert.ErrorIs(t, o.Validate(), apperrors.ErrInvalidInput)
}
