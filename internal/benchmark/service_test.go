package benchmark

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ayush/open-deep-research/internal/llm"
	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/store"
)

type fakeRecords struct {
	research *models.Research
}

func (f *fakeRecords) LatestCompleted(context.Context) (*models.Research, error) {
	if f.research == nil {
		return nil, store.ErrNotFound
	}

	return f.research, nil
}

type fakeStates struct {
	state *models.State
	err   error
}

func (f *fakeStates) Get(context.Context, string) (*models.State, error) {
	if f.err != nil {
		return nil, f.err
	}

	if f.state == nil {
		return nil, store.ErrNotFound
	}

	return f.state, nil
}

type fakeRuns struct {
	inserted []*models.BenchmarkRun
}

func (f *fakeRuns) InsertRun(_ context.Context, run *models.BenchmarkRun) (string, error) {
	f.inserted = append(f.inserted, run)
	return "run-1", nil
}

func (f *fakeRuns) ListRuns(context.Context, int64) ([]models.BenchmarkRun, error) {
	runs := make([]models.BenchmarkRun, 0, len(f.inserted))
	for _, r := range f.inserted {
		runs = append(runs, *r)
	}

	return runs, nil
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*models.BenchmarkRun, error) {
	if id != "run-1" || len(f.inserted) == 0 {
		return nil, store.ErrNotFound
	}

	return f.inserted[0], nil
}

type fakeLLM struct {
	reports   map[string]string
	summaries map[string]string
	delay     map[string]time.Duration
	requests  []llm.Request
}

func (f *fakeLLM) respond(req llm.Request, answers map[string]string) (string, error) {
	f.requests = append(f.requests, req)

	if d := f.delay[req.Model]; d > 0 {
		time.Sleep(d)
	}

	out, ok := answers[req.Model]
	if !ok {
		return "", errors.New("model " + req.Model + " unavailable")
	}

	return out, nil
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request) (string, error) {
	return f.respond(req, f.reports)
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	return f.respond(req, f.summaries)
}

type fakeFetcher struct {
	text string
	err  error
}

func (f *fakeFetcher) FetchText(context.Context, string) (string, error) {
	return f.text, f.err
}

type testEnv struct {
	svc     *Service
	records *fakeRecords
	states  *fakeStates
	runs    *fakeRuns
	llm     *fakeLLM
	fetcher *fakeFetcher
	dir     string
}

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		records: &fakeRecords{},
		states:  &fakeStates{},
		runs:    &fakeRuns{},
		llm:     &fakeLLM{reports: map[string]string{}, summaries: map[string]string{}, delay: map[string]time.Duration{}},
		fetcher: &fakeFetcher{},
		dir:     filepath.Join(t.TempDir(), "results"),
	}

	logger := zerolog.Nop()

	env.svc = NewService(env.records, env.states, env.runs, env.llm, env.fetcher, Options{
		DefaultModels: []string{"zai-org/GLM-5.0", "moonshotai/Kimi-K2.5"},
		OutputDir:     env.dir,
		SummaryModel:  "summary/model",
		SpeedModel:    "openai/gpt-oss-20b",
	}, &logger)
	env.svc.now = func() time.Time { return fixedNow }

	return env
}

func TestBenchmark_RecordsFailuresAndContinues(t *testing.T) {
	env := newTestEnv(t)
	env.records.research = &models.Research{
		ID:            "r1",
		ResearchTopic: "history of tea",
		Report:        "Tea [INLINE_CITATION](https://a.example/x) and [INLINE_CITATION](https://b.example/y).",
	}
	env.states.state = &models.State{SearchResults: []models.SearchResult{
		{Link: "https://a.example/x", Title: "A", Summary: "sa"},
	}}
	env.llm.reports["good/model"] = strings.Repeat("r", 500)

	run, err := env.svc.Benchmark(context.Background(), []string{" good/model ", "bad:model", ""})
	require.NoError(t, err)

	require.Equal(t, "history of tea", run.Topic)
	require.Equal(t, 1, run.SourceCount)
	require.Equal(t, "2026-03-14T15-09-26-535Z", run.Timestamp)
	require.Len(t, run.Results, 2)

	good := run.Results[0]
	require.Equal(t, "good/model", good.Model)
	require.Equal(t, 500, good.ReportLength)
	require.Empty(t, good.Error)

	bad := run.Results[1]
	require.Equal(t, "bad:model", bad.Model)
	require.Zero(t, bad.Speed)
	require.Equal(t, "model bad:model unavailable", bad.Error)
	require.Equal(t, len("Error: model bad:model unavailable"), bad.ReportLength)

	for _, req := range env.llm.requests {
		require.Equal(t, llm.SmartAnswerPrompt, req.System)
		require.Equal(t, benchmarkMaxTokens, req.MaxTokens)
		require.Contains(t, req.User, "Research Topic: history of tea")
	}

	goodFile, err := os.ReadFile(filepath.Join(env.dir, "2026-03-14T15-09-26-535Z-good-model.md"))
	require.NoError(t, err)
	require.Contains(t, string(goodFile), "# Benchmark Report - good/model")
	require.Contains(t, string(goodFile), "**Data Source:** 1 sources from research citations")

	badFile, err := os.ReadFile(filepath.Join(env.dir, "2026-03-14T15-09-26-535Z-bad-model.md"))
	require.NoError(t, err)
	require.Contains(t, string(badFile), "Error: model bad:model unavailable")

	comparison, err := os.ReadFile(filepath.Join(env.dir, "2026-03-14T15-09-26-535Z-comparison.md"))
	require.NoError(t, err)
	require.Contains(t, string(comparison), "| good/model |")
	require.Contains(t, string(comparison), "- bad:model")

	require.Len(t, env.runs.inserted, 1)
}

func TestBenchmark_DefaultsAndCitationFallback(t *testing.T) {
	env := newTestEnv(t)
	env.records.research = &models.Research{
		ID:                 "r1",
		InitialUserMessage: "tea",
		Report:             "[INLINE_CITATION](https://a.example/x) [INLINE_CITATION](https://a.example/x) [INLINE_CITATION](https://b.example)",
	}
	env.states.err = errors.New("redis down")

	run, err := env.svc.Benchmark(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "tea", run.Topic)
	require.Equal(t, 2, run.SourceCount)
	require.Equal(t, []string{"zai-org/GLM-5.0", "moonshotai/Kimi-K2.5"}, []string{run.Results[0].Model, run.Results[1].Model})
	require.Contains(t, env.llm.requests[0].User, "Title: Source 2: b.example")
}

func TestBenchmark_NoCompletedResearch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Benchmark(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoCompletedResearch)
	require.Empty(t, env.runs.inserted)
}

func TestSourcesFromCitations(t *testing.T) {
	got := SourcesFromCitations("x [INLINE_CITATION](https://a.example/p) y [INLINE_CITATION](https://a.example/p)")
	require.Equal(t, []models.SearchResult{{
		Link:    "https://a.example/p",
		Title:   "Source 1: a.example",
		Summary: "Content extracted from https://a.example/p for the research topic.",
		Content: "Web content from https://a.example/p that was scraped during the research process.",
	}}, got)

	require.Empty(t, SourcesFromCitations("no citations"))
}

func TestSpeed(t *testing.T) {
	require.Equal(t, 250, Speed(500, 2*time.Second))
	require.Equal(t, 333, Speed(1000, 3*time.Second))
	require.Zero(t, Speed(10, 0))
}

func TestNames(t *testing.T) {
	require.Equal(t, "moonshotai-Kimi-K2.5", SafeModelName("moonshotai/Kimi-K2.5"))
	require.Equal(t, "a-b-c", SafeModelName("a/b:c"))
	require.Equal(t, "2026-03-14T15-09-26-535Z", fileTimestamp(fixedNow))
}

func TestSpeedCompare(t *testing.T) {
	env := newTestEnv(t)
	env.llm.summaries["summary/model"] = "slow summary"
	env.llm.summaries["openai/gpt-oss-20b"] = "fast summary"
	env.llm.delay["summary/model"] = 30 * time.Millisecond

	report, err := env.svc.SpeedCompare(context.Background(), models.SpeedRequest{Content: "some text"})
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	require.Equal(t, "summary/model", report.Results[0].Model)
	require.Equal(t, "slow summary", report.Results[0].Summary)
	require.Equal(t, "openai/gpt-oss-20b", report.Results[1].Model)

	require.NotNil(t, report.Comparison.FasterModel)
	require.Equal(t, "openai/gpt-oss-20b", *report.Comparison.FasterModel)
	require.NotNil(t, report.Comparison.TimeDifference)
	require.Positive(t, *report.Comparison.TimeDifference)
	require.Equal(t, 9, report.Comparison.ContentLength)
	require.Nil(t, report.Comparison.URL)

	require.Equal(t, "<Research Topic>Summarize this content</Research Topic>\n\n<Raw Content>some text</Raw Content>",
		env.llm.requests[0].User)
}

func TestSpeedCompare_OneModelFails(t *testing.T) {
	env := newTestEnv(t)
	env.llm.summaries["summary/model"] = "ok"
	env.fetcher.text = strings.Repeat("word ", 30)

	report, err := env.svc.SpeedCompare(context.Background(), models.SpeedRequest{URL: "https://a.example", Query: "tea"})
	require.NoError(t, err)

	require.NotEmpty(t, report.Results[1].Error)
	require.Nil(t, report.Comparison.FasterModel)
	require.Nil(t, report.Comparison.TimeDifference)
	require.Equal(t, "https://a.example", *report.Comparison.URL)
}

func TestSpeedCompare_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.SpeedCompare(context.Background(), models.SpeedRequest{})
	require.ErrorIs(t, err, ErrInvalidInput)

	env.fetcher.text = "too short"
	_, err = env.svc.SpeedCompare(context.Background(), models.SpeedRequest{URL: "https://a.example"})
	require.ErrorIs(t, err, ErrInvalidInput)

	env.fetcher.err = errors.New("dns failure")
	_, err = env.svc.SpeedCompare(context.Background(), models.SpeedRequest{URL: "https://a.example"})
	require.ErrorIs(t, err, ErrFetch)
}

func TestSpeedCompare_TruncatesLongContent(t *testing.T) {
	env := newTestEnv(t)
	env.llm.summaries["summary/model"] = "a"
	env.llm.summaries["openai/gpt-oss-20b"] = "b"

	report, err := env.svc.SpeedCompare(context.Background(), models.SpeedRequest{Content: strings.Repeat("é", maxContentChars+10)})
	require.NoError(t, err)
	require.Equal(t, maxContentChars+len(truncationSuffix), report.Comparison.ContentLength)
	require.True(t, strings.HasSuffix(env.llm.requests[0].User, "...</Raw Content>"))
}
