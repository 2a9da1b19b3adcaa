package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/prompts"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct{ mock.Mock }

func (m *mockBackend) Invoke(ctx context.Context, req Request) (Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Response), args.Error(1)
}

// fakeTime is a manual clock whose sleeps advance it.
type fakeTime struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func newTestClient(b Backend, cfg Config) (*Client, *fakeTime) {
	ft := &fakeTime{now: time.Date(2024, 5, 17, 9, 0, 0, 0, time.UTC)}
	c := NewClient(b, cfg, nil)
	c.now = ft.Now
	c.sleep = ft.Sleep
	c.gate.clock = ft.Now
	c.gate.sleep = ft.Sleep
	return c, ft
}

func testConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  250 * time.Millisecond,
	}
}

func testRequest() Request {
	return Request{ID: RequestID(prompts.DefaultTemplate, []byte("key\n")), BatchID: "2024-W20", TemplateID: prompts.DefaultTemplate, Prompt: "analyze"}
}

func TestAnalyzeOK(t *testing.T) {
	b := new(mockBackend)
	req := testRequest()
	b.On("Invoke", mock.Anything, req).Return(Response{Payload: `{"summary":"steady week"}`, Model: "stub"}, nil).Once()

	c, _ := newTestClient(b, testConfig())
	res, err := c.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, `{"summary":"steady week"}`, res.Payload)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, req.ID, res.RequestID)
	assert.Equal(t, "2024-W20", res.BatchID)
	b.AssertExpectations(t)
}

func TestAnalyzeExhausted(t *testing.T) {
	b := new(mockBackend)
	req := testRequest()
	b.On("Invoke", mock.Anything, req).Return(Response{}, Fail(ClassServer, errors.New("503")))

	c, ft := newTestClient(b, testConfig())
	res, err := c.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedExhausted, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, ClassServer, res.LastClass)
	b.AssertNumberOfCalls(t, "Invoke", 4)

	// min(base×2^n, cap) with no jitter
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, ft.sleeps)
}

func TestAnalyzeRecovers(t *testing.T) {
	b := new(mockBackend)
	req := testRequest()
	b.On("Invoke", mock.Anything, req).Return(Response{}, Fail(ClassRateLimited, errors.New("429"))).Once()
	b.On("Invoke", mock.Anything, req).Return(Response{}, Fail(ClassTimeout, errors.New("slow"))).Once()
	b.On("Invoke", mock.Anything, req).Return(Response{Payload: "{}"}, nil).Once()

	c, _ := newTestClient(b, testConfig())
	res, err := c.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 3, res.Attempts)
	b.AssertExpectations(t)
}

func TestAnalyzeRejected(t *testing.T) {
	b := new(mockBackend)
	req := testRequest()
	b.On("Invoke", mock.Anything, req).Return(Response{}, Fail(ClassRejected, errors.New("blocked")))

	c, ft := newTestClient(b, testConfig())
	res, err := c.Analyze(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAnalysisRejected)
	require.NotNil(t, res)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, ft.sleeps)
	b.AssertNumberOfCalls(t, "Invoke", 1)
}

func TestAnalyzeCancelled(t *testing.T) {
	b := new(mockBackend)
	req := testRequest()
	ctx, cancel := context.WithCancel(context.Background())
	b.On("Invoke", mock.Anything, req).Run(func(mock.Arguments) { cancel() }).
		Return(Response{}, Fail(ClassServer, context.Canceled))

	c, _ := newTestClient(b, testConfig())
	res, err := c.Analyze(ctx, req)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	b.AssertNumberOfCalls(t, "Invoke", 1)
}

func TestAnalyzeAttemptTimeout(t *testing.T) {
	b := new(mockBackend)
	req := testRequest()
	b.On("Invoke", mock.Anything, req).Return(Response{}, errors.New("stuck")).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	})

	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.Timeout = 5 * time.Millisecond
	c, _ := newTestClient(b, cfg)
	res, err := c.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedExhausted, res.Status)
	assert.Equal(t, ClassTimeout, res.LastClass)
	assert.Equal(t, 2, res.Attempts)
}

func TestBackoffJitterAndHint(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 0.5
	c, _ := newTestClient(new(mockBackend), cfg)
	c.rand = func() float64 { return 1 }

	assert.Equal(t, 150*time.Millisecond, c.backoff(0, 0))
	assert.Equal(t, 375*time.Millisecond, c.backoff(5, 0))
	assert.Equal(t, 2*time.Second, c.backoff(0, 2*time.Second))
}

func TestAnalyzeRespectsRateLimit(t *testing.T) {
	b := new(mockBackend)
	req := testRequest()
	b.On("Invoke", mock.Anything, req).Return(Response{Payload: "{}"}, nil)

	cfg := testConfig()
	cfg.RateLimit = RateLimit{Calls: 1, Window: time.Second}
	c, ft := newTestClient(b, cfg)
	start := ft.now
	for range 3 {
		_, err := c.Analyze(context.Background(), req)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, ft.now.Sub(start), 2*time.Second)
}

func TestNewRequest(t *testing.T) {
	reg, err := prompts.NewRegistry("")
	require.NoError(t, err)

	recs := []schema.Record{
		{Key: "2024-W20:acme/crm", Payload: map[string]schema.Value{"company_name": schema.String("Acme"), "value": schema.Number(100)}},
		{Key: "2024-W20:zeta/crm", Payload: map[string]schema.Value{"company_name": schema.String("Zeta"), "value": schema.Number(50)}},
	}
	tbl := table.Build("2024-W20", schema.Funnel(), recs)

	full, err := NewRequest(reg, "2024-W20", "", tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, prompts.DefaultTemplate, full.TemplateID)
	assert.Equal(t, RequestID(prompts.DefaultTemplate, tbl.CSV()), full.ID)
	assert.False(t, full.Truncated)
	assert.Equal(t, 2, full.Rows)
	assert.Contains(t, full.Prompt, "2024-W20:zeta/crm")

	again, err := NewRequest(reg, "2024-W20", prompts.DefaultTemplate, tbl, 0)
	require.NoError(t, err)
	assert.Equal(t, full.ID, again.ID)

	windowed, err := NewRequest(reg, "2024-W20", "", tbl, 1)
	require.NoError(t, err)
	assert.True(t, windowed.Truncated)
	assert.Equal(t, 1, windowed.Rows)
	assert.Equal(t, 2, windowed.TotalRows)
	assert.NotEqual(t, full.ID, windowed.ID)
	assert.False(t, strings.Contains(windowed.Prompt, "zeta"))

	_, err = NewRequest(reg, "2024-W20", "missing", tbl, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
