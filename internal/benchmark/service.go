// Package benchmark times report generation across models and compares
// summarization speed of two models.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ayush/open-deep-research/internal/llm"
	"github.com/ayush/open-deep-research/internal/markdown"
	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/observability"
	"github.com/ayush/open-deep-research/internal/store"
)

var (
	ErrNoCompletedResearch = errors.New("no completed research found in database")
	ErrInvalidInput        = models.ErrInvalidInput
	ErrFetch               = errors.New("fetch page")
	ErrRunNotFound         = errors.New("benchmark run not found")
)

const (
	benchmarkMaxTokens = 4096
	statusOK           = "ok"
	statusError        = "error"
	fileMode           = 0o644
	dirMode            = 0o755
)

// RecordSource finds the research to benchmark against.
type RecordSource interface {
	LatestCompleted(ctx context.Context) (*models.Research, error)
}

// StateSource returns stored pipeline state.
type StateSource interface {
	Get(ctx context.Context, id string) (*models.State, error)
}

// RunStore persists benchmark runs.
type RunStore interface {
	InsertRun(ctx context.Context, run *models.BenchmarkRun) (string, error)
	ListRuns(ctx context.Context, limit int64) ([]models.BenchmarkRun, error)
	GetRun(ctx context.Context, id string) (*models.BenchmarkRun, error)
}

// LLM generates the reports and summaries being timed.
type LLM interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
	Stream(ctx context.Context, req llm.Request) (string, error)
}

// PageFetcher downloads a page and returns its readable text.
type PageFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

type Options struct {
	DefaultModels []string
	OutputDir     string
	SummaryModel  string
	SpeedModel    string
}

type Service struct {
	records RecordSource
	states  StateSource
	runs    RunStore
	llm     LLM
	fetcher PageFetcher
	opts    Options
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewService(records RecordSource, states StateSource, runs RunStore, client LLM, fetcher PageFetcher, opts Options, logger *zerolog.Logger) *Service {
	return &Service{
		records: records,
		states:  states,
		runs:    runs,
		llm:     client,
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

type modelReport struct {
	result models.ModelResult
	report string
}

// Benchmark regenerates the latest completed report with each model in turn.
// A failing model is recorded and the batch continues.
func (s *Service) Benchmark(ctx context.Context, modelIDs []string) (*models.BenchmarkRun, error) {
	modelIDs = compact(modelIDs)
	if len(modelIDs) == 0 {
		modelIDs = s.opts.DefaultModels
	}

	r, err := s.records.LatestCompleted(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCompletedResearch
	}
	if err != nil {
		return nil, fmt.Errorf("load completed research: %w", err)
	}

	topic := r.Topic()
	results := s.sourcesFor(ctx, r)

	s.logger.Info().Str("topic", topic).Int("sources", len(results)).Strs("models", modelIDs).Msg("starting model benchmark")

	reports := make([]modelReport, 0, len(modelIDs))
	for _, model := range modelIDs {
		reports = append(reports, s.generate(ctx, model, topic, results))
	}

	now := s.now().UTC()
	ts := fileTimestamp(now)

	if err := s.writeFiles(ts, now, topic, len(results), reports); err != nil {
		return nil, err
	}

	run := &models.BenchmarkRun{
		Topic:       topic,
		SourceCount: len(results),
		Results:     make([]models.ModelResult, 0, len(reports)),
		OutputDir:   s.opts.OutputDir,
		Timestamp:   ts,
		CreatedAt:   now,
	}
	for _, rep := range reports {
		run.Results = append(run.Results, rep.result)
	}

	if _, err := s.runs.InsertRun(ctx, run); err != nil {
		s.logger.Warn().Err(err).Msg("save benchmark run")
	}

	return run, nil
}

// sourcesFor prefers the stored pipeline state and otherwise rebuilds
// placeholder sources from the report citations.
func (s *Service) sourcesFor(ctx context.Context, r *models.Research) []models.SearchResult {
	state, err := s.states.Get(ctx, r.ID)
	if err == nil && len(state.SearchResults) > 0 {
		return state.SearchResults
	}

	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("could not read research state, using report citations")
	}

	return SourcesFromCitations(r.Report)
}

// SourcesFromCitations builds one placeholder result per distinct cited URL.
func SourcesFromCitations(report string) []models.SearchResult {
	urls := markdown.ExtractCitations(report)
	results := make([]models.SearchResult, 0, len(urls))

	for i, u := range urls {
		results = append(results, models.SearchResult{
			Link:    u,
			Title:   fmt.Sprintf("Source %d: %s", i+1, markdown.DomainFromURL(u)),
			Summary: fmt.Sprintf("Content extracted from %s for the research topic.", u),
			Content: fmt.Sprintf("Web content from %s that was scraped during the research process.", u),
		})
	}

	return results
}

func (s *Service) generate(ctx context.Context, model, topic string, results []models.SearchResult) modelReport {
	start := time.Now()

	report, err := s.llm.Stream(ctx, llm.Request{
		Model:     model,
		System:    llm.SmartAnswerPrompt,
		User:      llm.ReportInput(topic, results),
		MaxTokens: benchmarkMaxTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		observability.BenchmarkModelDuration.WithLabelValues(model, statusError).Observe(elapsed.Seconds())
		s.logger.Warn().Err(err).Str("model", model).Dur("duration", elapsed).Msg("benchmark model failed")

		report = "Error: " + err.Error()

		return modelReport{
			result: models.ModelResult{
				Model:        model,
				DurationMS:   elapsed.Milliseconds(),
				ReportLength: utf8.RuneCountInString(report),
				Error:        err.Error(),
			},
			report: report,
		}
	}

	observability.BenchmarkModelDuration.WithLabelValues(model, statusOK).Observe(elapsed.Seconds())

	length := utf8.RuneCountInString(report)
	speed := Speed(length, elapsed)

	s.logger.Info().Str("model", model).Dur("duration", elapsed).Int("chars", length).Int("chars_per_sec", speed).Msg("benchmark model finished")

	return modelReport{
		result: models.ModelResult{
			Model:        model,
			DurationMS:   elapsed.Milliseconds(),
			ReportLength: length,
			Speed:        speed,
		},
		report: report,
	}
}

// Speed is characters per second, rounded.
func Speed(chars int, elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}

	return int(math.Round(float64(chars) / elapsed.Seconds()))
}

// fileTimestamp is RFC 3339 with milliseconds, ':' and '.' replaced by '-'.
func fileTimestamp(t time.Time) string {
	return strings.NewReplacer(":", "-", ".", "-").Replace(t.Format("2006-01-02T15:04:05.000Z07:00"))
}

// SafeModelName makes a model id usable in a file name.
func SafeModelName(model string) string {
	return strings.NewReplacer("/", "-", ":", "-").Replace(model)
}

func (s *Service) writeFiles(ts string, now time.Time, topic string, sourceCount int, reports []modelReport) error {
	if err := os.MkdirAll(s.opts.OutputDir, dirMode); err != nil {
		return fmt.Errorf("create benchmark dir: %w", err)
	}

	for _, rep := range reports {
		name := filepath.Join(s.opts.OutputDir, ts+"-"+SafeModelName(rep.result.Model)+".md")
		if err := os.WriteFile(name, []byte(modelFile(topic, sourceCount, rep)), fileMode); err != nil {
			return fmt.Errorf("write benchmark report: %w", err)
		}
	}

	name := filepath.Join(s.opts.OutputDir, ts+"-comparison.md")
	if err := os.WriteFile(name, []byte(comparisonFile(now, topic, sourceCount, reports)), fileMode); err != nil {
		return fmt.Errorf("write benchmark comparison: %w", err)
	}

	return nil
}

func modelFile(topic string, sourceCount int, rep modelReport) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Benchmark Report - %s\n\n", rep.result.Model)
	fmt.Fprintf(&sb, "**Topic:** %s\n", topic)
	fmt.Fprintf(&sb, "**Model:** %s\n", rep.result.Model)
	fmt.Fprintf(&sb, "**Duration:** %dms\n", rep.result.DurationMS)
	fmt.Fprintf(&sb, "**Speed:** %d chars/sec\n", rep.result.Speed)
	fmt.Fprintf(&sb, "**Data Source:** %d sources from research citations\n\n", sourceCount)
	sb.WriteString("---\n\n")
	sb.WriteString(rep.report)
	sb.WriteString("\n")

	return sb.String()
}

func comparisonFile(now time.Time, topic string, sourceCount int, reports []modelReport) string {
	var sb strings.Builder

	sb.WriteString("# Model Benchmark Results\n\n")
	fmt.Fprintf(&sb, "**Topic:** %s\n", topic)
	fmt.Fprintf(&sb, "**Date:** %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Sources:** %d extracted from original research\n\n", sourceCount)
	sb.WriteString("## Performance Summary\n\n")
	sb.WriteString("| Model | Duration (ms) | Report Length | Speed (chars/sec) |\n")
	sb.WriteString("|-------|---------------|---------------|-------------------|\n")

	for _, rep := range reports {
		fmt.Fprintf(&sb, "| %s | %d | %d | %d |\n",
			rep.result.Model, rep.result.DurationMS, rep.result.ReportLength, rep.result.Speed)
	}

	sb.WriteString("\n## Models Tested\n")

	for _, rep := range reports {
		fmt.Fprintf(&sb, "- %s\n", rep.result.Model)
	}

	sb.WriteString("\n---\n*Generated by Open Deep Research Benchmark*\n")

	return sb.String()
}

// Runs lists stored benchmark runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int64) ([]models.BenchmarkRun, error) {
	return s.runs.ListRuns(ctx, limit)
}

// RunByID returns one stored run.
func (s *Service) RunByID(ctx context.Context, id string) (*models.BenchmarkRun, error) {
	run, err := s.runs.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}

	return run, err
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))

	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}
