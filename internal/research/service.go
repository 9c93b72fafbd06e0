// Package research runs the clarify, search, summarize and synthesize
// pipeline behind a research record and serves the derived views.
package research

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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
	ErrNotFound       = errors.New("research not found")
	ErrInvalidInput   = models.ErrInvalidInput
	ErrUsageExceeded  = errors.New("daily research limit reached, add your own Together API key to continue")
	ErrAlreadyStarted = errors.New("research already started")
	ErrNoReport       = errors.New("report not ready")
	ErrUpstream       = errors.New("upstream service failed")
	ErrNoResults      = errors.New("no search results found")
)

const (
	questionRetries    = 2
	planningRetries    = 2
	maxQuestions       = 3
	summaryFallbackLen = 1000
	maxTitleRunes      = 80
	reportMaxTokens    = 8192
	coverContentType   = "image/png"
	stateSaveTimeout   = 10 * time.Second
	siteName           = "Open Deep Research"
	previewRunes       = 300
	interruptedMsg     = "research interrupted, please retry"
)

// Store persists research records.
type Store interface {
	CreateResearch(ctx context.Context, userID, message, outputType, model string) (*models.Research, error)
	GetResearch(ctx context.Context, id, userID string) (*models.Research, error)
	GetResearchByID(ctx context.Context, id string) (*models.Research, error)
	ListResearch(ctx context.Context, userID string) ([]models.ResearchSummary, error)
	SetQuestions(ctx context.Context, id, title string, questions []string) error
	StartProcessing(ctx context.Context, id, userID string, answers []string, topic string) error
	CompleteResearch(ctx context.Context, id, report string, sources []models.Source, coverURL string) error
	FailResearch(ctx context.Context, id, msg string) error
	FailStale(ctx context.Context, maxAge time.Duration, msg string) (int64, error)
	DeleteResearch(ctx context.Context, id, userID string) error
}

// StateStore keeps intermediate pipeline data.
type StateStore interface {
	Save(ctx context.Context, id string, state *models.State) error
	Get(ctx context.Context, id string) (*models.State, error)
	Delete(ctx context.Context, id string) error
}

// UsageStore meters free research credits.
type UsageStore interface {
	Consume(ctx context.Context, userID string, limit int) (models.Usage, bool, error)
	Refund(ctx context.Context, userID string) error
	Usage(ctx context.Context, userID string, limit int) (models.Usage, error)
}

// FileStore holds cover images.
type FileStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, string, error)
	Remove(ctx context.Context, key string) error
}

// LLM is the inference surface the pipeline uses.
type LLM interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
	CompleteJSON(ctx context.Context, req llm.Request, out any, retries int) error
	Stream(ctx context.Context, req llm.Request) (string, error)
	GenerateImage(ctx context.Context, model, prompt string) ([]byte, error)
}

// Searcher runs one web search with scraped page content.
type Searcher interface {
	Search(ctx context.Context, query string) ([]models.SearchResult, error)
}

// Submitter runs pipelines in the background.
type Submitter interface {
	Submit(ctx context.Context, job func(ctx context.Context)) error
}

// Deps are the collaborators of a Service. LLMFor returns the client billed
// to apiKey, or the shared client when apiKey is empty.
type Deps struct {
	Store  Store
	States StateStore
	Usage  UsageStore
	Files  FileStore
	Search Searcher
	Runner Submitter
	LLMFor func(apiKey string) LLM
}

// Options tune the pipeline.
type Options struct {
	Models     llm.Models
	MaxQueries int
	DailyLimit int
}

type Service struct {
	Deps
	opts   Options
	logger *zerolog.Logger
}

func NewService(deps Deps, opts Options, logger *zerolog.Logger) *Service {
	if opts.MaxQueries < 1 {
		opts.MaxQueries = 1
	}

	return &Service{Deps: deps, opts: opts, logger: logger}
}

// View is a record with its share metadata and a plain-text preview of the
// report.
type View struct {
	Research *models.Research `json:"research"`
	Metadata models.Metadata  `json:"metadata"`
	Preview  string           `json:"preview"`
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}

	return err
}

// Create validates the request and inserts a record awaiting questions.
func (s *Service) Create(ctx context.Context, userID string, req models.CreateRequest) (*models.Research, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	outputType := strings.TrimSpace(req.OutputType)
	switch outputType {
	case "":
		outputType = models.OutputSmart
	case models.OutputSmart, models.OutputAcademic:
	default:
		return nil, fmt.Errorf("%w: output_type must be %q or %q", ErrInvalidInput, models.OutputSmart, models.OutputAcademic)
	}

	model := s.opts.Models.ResolveAnswer(req.Model)

	r, err := s.Store.CreateResearch(ctx, userID, message, outputType, model)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("research_id", r.ID).Str("output_type", outputType).Str("model", model).Msg("research created")

	return r, nil
}

// List returns the user's records with markdown bold removed from titles.
func (s *Service) List(ctx context.Context, userID string) ([]models.ResearchSummary, error) {
	list, err := s.Store.ListResearch(ctx, userID)
	if err != nil {
		return nil, err
	}

	for i := range list {
		list[i].Title = markdown.StripBold(list[i].Title)
	}

	return list, nil
}

// Get loads a record, generating its clarifying questions on the first read of
// a record that is still waiting for answers.
func (s *Service) Get(ctx context.Context, userID, id string) (*View, error) {
	r, err := s.Store.GetResearch(ctx, id, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if err := s.EnsureQuestions(ctx, r); err != nil {
		return nil, err
	}

	return &View{Research: r, Metadata: Metadata(r), Preview: Preview(r.Report)}, nil
}

// Preview renders the opening of a report as plain text.
func Preview(report string) string {
	if report == "" {
		return ""
	}

	return strings.TrimSpace(truncateRunes(markdown.CleanToText(report), previewRunes))
}

type clarification struct {
	ResearchTitle       string   `json:"research_title"`
	ClarifyingQuestions []string `json:"clarifying_questions"`
}

// EnsureQuestions fills in the title and clarifying questions when they have
// not been generated yet. Records past the questions stage are left alone.
func (s *Service) EnsureQuestions(ctx context.Context, r *models.Research) error {
	if r.Questions != nil || r.Status != models.StatusQuestions {
		return nil
	}

	start := time.Now()

	var out clarification

	err := s.LLMFor("").CompleteJSON(ctx, llm.Request{
		Model:  s.opts.Models.JSON,
		System: llm.ClarificationPrompt(),
		User:   r.InitialUserMessage,
	}, &out, questionRetries)
	if err != nil {
		return fmt.Errorf("%w: generate questions: %w", ErrUpstream, err)
	}

	title := strings.TrimSpace(out.ResearchTitle)
	if title == "" {
		title = truncateRunes(r.InitialUserMessage, maxTitleRunes)
	}

	questions := compactStrings(out.ClarifyingQuestions, maxQuestions)

	if err := s.Store.SetQuestions(ctx, r.ID, title, questions); err != nil {
		return mapStoreErr(err)
	}

	r.Title = title
	r.Questions = questions

	s.logger.Info().
		Str("research_id", r.ID).
		Int("questions", len(questions)).
		Dur("duration", time.Since(start)).
		Msg("clarifying questions generated")

	return nil
}

// StoreAnswers saves the answers and starts the pipeline. Without a personal
// API key it takes one of the user's daily credits.
func (s *Service) StoreAnswers(ctx context.Context, userID, id string, answers []string, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)

	r, err := s.Store.GetResearch(ctx, id, userID)
	if err != nil {
		return mapStoreErr(err)
	}

	if r.Status == models.StatusProcessing || r.Status == models.StatusCompleted {
		return ErrAlreadyStarted
	}

	if answers == nil {
		answers = []string{}
	}

	metered := apiKey == ""
	if metered {
		usage, ok, err := s.Usage.Consume(ctx, userID, s.opts.DailyLimit)
		if err != nil {
			return err
		}

		if !ok {
			return ErrUsageExceeded
		}

		s.logger.Debug().Str("user_id", userID).Int("remaining", usage.Remaining).Msg("research credit used")
	}

	refund := func() {
		if !metered {
			return
		}

		if err := s.Usage.Refund(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("refund research credit")
		}
	}

	if err := s.Store.StartProcessing(ctx, id, userID, answers, researchTopic(r, answers)); err != nil {
		refund()

		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyStarted
		}

		return mapStoreErr(err)
	}

	err = s.Runner.Submit(ctx, func(ctx context.Context) {
		_ = s.Run(ctx, id, apiKey)
	})
	if err != nil {
		refund()

		if ferr := s.Store.FailResearch(ctx, id, err.Error()); ferr != nil {
			s.logger.Error().Err(ferr).Str("research_id", id).Msg("mark research failed")
		}

		return err
	}

	s.logger.Info().Str("research_id", id).Int("answers", len(answers)).Bool("personal_key", !metered).Msg("research started")

	return nil
}

// SkipQuestions starts the pipeline with no answers.
func (s *Service) SkipQuestions(ctx context.Context, userID, id, apiKey string) error {
	return s.StoreAnswers(ctx, userID, id, []string{}, apiKey)
}

// UsageFor reports the user's remaining daily credits.
func (s *Service) UsageFor(ctx context.Context, userID string) (models.Usage, error) {
	return s.Usage.Usage(ctx, userID, s.opts.DailyLimit)
}

// researchTopic condenses the title and the answered questions into the
// topic the search and report stages work from.
func researchTopic(r *models.Research, answers []string) string {
	base := r.Title
	if base == "" {
		base = r.InitialUserMessage
	}

	var sb strings.Builder

	sb.WriteString(base)

	if r.Title != "" && r.InitialUserMessage != "" && r.Title != r.InitialUserMessage {
		sb.WriteString(". ")
		sb.WriteString(r.InitialUserMessage)
	}

	for i, q := range r.Questions {
		if i >= len(answers) || strings.TrimSpace(answers[i]) == "" {
			continue
		}

		fmt.Fprintf(&sb, ". %s %s", q, answers[i])
	}

	return markdown.CompressPrompt(sb.String())
}

// Run executes every pipeline stage for a record that is processing. Stage
// failures that leave nothing to report mark the record failed, and so does
// a panic in any stage.
func (s *Service) Run(ctx context.Context, id, apiKey string) (err error) {
	observability.PipelineActive.Inc()
	defer observability.PipelineActive.Dec()

	logger := s.logger.With().Str("research_id", id).Logger()
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("internal error: %v", p)
			logger.Error().Interface("panic", p).Msg("research pipeline panicked")
			s.fail(ctx, id, err, start, &logger)
		}
	}()

	if err = s.run(ctx, id, apiKey, &logger); err != nil {
		s.fail(ctx, id, err, start, &logger)
		return err
	}

	observability.PipelineRuns.WithLabelValues(models.StatusCompleted).Inc()
	logger.Info().Dur("duration", time.Since(start)).Msg("research completed")

	return nil
}

func (s *Service) fail(ctx context.Context, id string, err error, start time.Time, logger *zerolog.Logger) {
	observability.PipelineRuns.WithLabelValues(models.StatusFailed).Inc()
	logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("research failed")

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateSaveTimeout)
	defer cancel()

	if ferr := s.Store.FailResearch(failCtx, id, err.Error()); ferr != nil {
		logger.Error().Err(ferr).Msg("mark research failed")
	}
}

// FailStale marks records that have been processing for longer than maxAge
// as failed so they can be retried. A pipeline lost to a crash or a forced
// shutdown leaves such records behind.
func (s *Service) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := s.Store.FailStale(ctx, maxAge, interruptedMsg)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.logger.Warn().Int64("count", n).Dur("max_age", maxAge).Msg("stale research marked failed")
	}

	return n, nil
}

func (s *Service) run(ctx context.Context, id, apiKey string, logger *zerolog.Logger) error {
	r, err := s.Store.GetResearchByID(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}

	client := s.LLMFor(apiKey)
	topic := r.Topic()

	var queries []string

	err = stage("plan", func() error {
		queries, err = s.plan(ctx, client, r)
		return err
	})
	if err != nil {
		return fmt.Errorf("plan queries: %w", err)
	}

	logger.Info().Strs("queries", queries).Msg("queries planned")

	var results []models.SearchResult

	_ = stage("search", func() error {
		results = s.searchAll(ctx, queries, logger)
		return nil
	})
	if len(results) == 0 {
		return ErrNoResults
	}

	_ = stage("summarize", func() error {
		s.summarizeAll(ctx, client, topic, results, logger)
		return nil
	})

	if err := s.States.Save(ctx, id, &models.State{Queries: queries, SearchResults: results}); err != nil {
		logger.Warn().Err(err).Msg("save research state")
	}

	var report string

	err = stage("report", func() error {
		report, err = client.Stream(ctx, llm.Request{
			Model:     r.Model,
			System:    llm.AnswerPrompt(r.OutputType),
			User:      llm.ReportInput(topic, results),
			MaxTokens: reportMaxTokens,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	var coverURL string

	_ = stage("cover", func() error {
		coverURL = s.cover(ctx, client, r, logger)
		return nil
	})

	sources := make([]models.Source, 0, len(results))
	for _, res := range results {
		sources = append(sources, models.Source{URL: res.Link, Title: res.Title})
	}

	return s.Store.CompleteResearch(ctx, id, report, sources, coverURL)
}

func stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	observability.PipelineStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	return err
}

type queryPlan struct {
	Queries []string `json:"queries"`
}

func (s *Service) plan(ctx context.Context, client LLM, r *models.Research) ([]string, error) {
	var out queryPlan

	err := client.CompleteJSON(ctx, llm.Request{
		Model:  s.opts.Models.Planning,
		System: llm.PlanningPrompt(s.opts.MaxQueries),
		User:   llm.PlanningInput(r.Topic(), r.Questions, r.Answers),
	}, &out, planningRetries)
	if err != nil {
		return nil, err
	}

	queries := compactStrings(out.Queries, s.opts.MaxQueries)
	if len(queries) == 0 {
		queries = []string{r.Topic()}
	}

	return queries, nil
}

func (s *Service) searchAll(ctx context.Context, queries []string, logger *zerolog.Logger) []models.SearchResult {
	seen := make(map[string]struct{})
	results := make([]models.SearchResult, 0)

	for _, q := range queries {
		found, err := s.Search.Search(ctx, q)
		if err != nil {
			logger.Warn().Err(err).Str("query", q).Msg("search failed, skipping query")
			continue
		}

		for _, res := range found {
			if _, dup := seen[res.Link]; dup {
				continue
			}

			seen[res.Link] = struct{}{}
			results = append(results, res)
		}
	}

	return results
}

func (s *Service) summarizeAll(ctx context.Context, client LLM, topic string, results []models.SearchResult, logger *zerolog.Logger) {
	for i := range results {
		summary, err := client.Complete(ctx, llm.Request{
			Model:  s.opts.Models.Summary,
			System: llm.SummarizerPrompt,
			User:   llm.SummarizerInput(topic, results[i].Content),
		})
		if err != nil {
			logger.Warn().Err(err).Str("link", results[i].Link).Msg("summary failed, using raw content")
			summary = truncateRunes(results[i].Content, summaryFallbackLen)
		}

		results[i].Summary = summary
	}
}

func (s *Service) cover(ctx context.Context, client LLM, r *models.Research, logger *zerolog.Logger) string {
	title := r.Title
	if title == "" {
		title = r.InitialUserMessage
	}

	img, err := client.GenerateImage(ctx, s.opts.Models.Image, llm.CoverPrompt(markdown.StripBold(title)))
	if err != nil {
		logger.Warn().Err(err).Msg("cover generation failed")
		return ""
	}

	if err := s.Files.Upload(ctx, store.CoverKey(r.ID), img, coverContentType); err != nil {
		logger.Warn().Err(err).Msg("cover upload failed")
		return ""
	}

	return CoverPath(r.ID)
}

// CoverPath is the route serving a record's cover image.
func CoverPath(id string) string {
	return "/api/research/" + id + "/cover"
}

// Delete removes the record, its cover and its pipeline state.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.Store.DeleteResearch(ctx, id, userID); err != nil {
		return mapStoreErr(err)
	}

	if err := s.Files.Remove(ctx, store.CoverKey(id)); err != nil {
		s.logger.Warn().Err(err).Str("research_id", id).Msg("remove cover")
	}

	if err := s.States.Delete(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("research_id", id).Msg("remove research state")
	}

	return nil
}

func (s *Service) completed(ctx context.Context, userID, id string) (*models.Research, error) {
	r, err := s.Store.GetResearch(ctx, id, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if r.Report == "" {
		return nil, ErrNoReport
	}

	return r, nil
}

// Outline returns the h1 to h3 headings of the report.
func (s *Service) Outline(ctx context.Context, userID, id string) ([]markdown.Heading, error) {
	r, err := s.completed(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	headings := markdown.ExtractHeadings(r.Report)
	if headings == nil {
		headings = []markdown.Heading{}
	}

	return headings, nil
}

// Map splits the report around its map block.
func (s *Service) Map(ctx context.Context, userID, id string) (markdown.MapSplit, error) {
	r, err := s.completed(ctx, userID, id)
	if err != nil {
		return markdown.MapSplit{}, err
	}

	return markdown.SplitForMap(r.Report), nil
}

// Download returns the report as a markdown file name and body.
func (s *Service) Download(ctx context.Context, userID, id string) (string, []byte, error) {
	r, err := s.completed(ctx, userID, id)
	if err != nil {
		return "", nil, err
	}

	title := r.Title
	if title == "" {
		title = r.InitialUserMessage
	}

	return markdown.SlugifyFilename(markdown.StripBold(title), 0) + ".md", []byte(r.Report), nil
}

// Cover returns the cover image of a record.
func (s *Service) Cover(ctx context.Context, userID, id string) ([]byte, string, error) {
	r, err := s.Store.GetResearch(ctx, id, userID)
	if err != nil {
		return nil, "", mapStoreErr(err)
	}

	if r.CoverURL == "" {
		return nil, "", ErrNotFound
	}

	data, contentType, err := s.Files.Download(ctx, store.CoverKey(id))
	if err != nil {
		return nil, "", mapStoreErr(err)
	}

	if contentType == "" {
		contentType = coverContentType
	}

	return data, contentType, nil
}

// Metadata builds the share title, description and images of a record.
func Metadata(r *models.Research) models.Metadata {
	topic := markdown.StripBold(r.Title)
	if topic == "" {
		topic = r.InitialUserMessage
	}

	count := "multiple"
	if len(r.Sources) > 0 {
		count = strconv.Itoa(len(r.Sources))
	}

	images := []string{}
	if r.CoverURL != "" {
		images = append(images, r.CoverURL)
	}

	return models.Metadata{
		Title:       topic + " | " + siteName,
		Description: fmt.Sprintf("Discover the research on %q generated using %s sources on %s", topic, count, siteName),
		Images:      images,
	}
}

func compactStrings(values []string, limit int) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		if _, dup := seen[v]; dup {
			continue
		}

		seen[v] = struct{}{}
		out = append(out, v)

		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n])
}
