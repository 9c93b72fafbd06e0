package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayush/open-deep-research/internal/llm"
	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*models.Research
	startedAt map[string]time.Time
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*models.Research{}, startedAt: map[string]time.Time{}}
}

func clone(r *models.Research) *models.Research {
	c := *r
	return &c
}

func (f *fakeStore) CreateResearch(_ context.Context, userID, message, outputType, model string) (*models.Research, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	r := &models.Research{
		ID:                 fmt.Sprintf("r%d", f.nextID),
		UserID:             userID,
		InitialUserMessage: message,
		Status:             models.StatusQuestions,
		OutputType:         outputType,
		Model:              model,
		CreatedAt:          time.Now(),
	}
	f.records[r.ID] = r

	return clone(r), nil
}

func (f *fakeStore) GetResearch(_ context.Context, id, userID string) (*models.Research, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok || r.UserID != userID {
		return nil, store.ErrNotFound
	}

	return clone(r), nil
}

func (f *fakeStore) GetResearchByID(_ context.Context, id string) (*models.Research, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return clone(r), nil
}

func (f *fakeStore) ListResearch(_ context.Context, userID string) ([]models.ResearchSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := []models.ResearchSummary{}
	for _, r := range f.records {
		if r.UserID == userID {
			list = append(list, models.ResearchSummary{ID: r.ID, Title: r.Title, Status: r.Status, OutputType: r.OutputType})
		}
	}

	return list, nil
}

func (f *fakeStore) SetQuestions(_ context.Context, id, title string, questions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok {
		return store.ErrNotFound
	}

	r.Title = title
	r.Questions = questions

	return nil
}

func (f *fakeStore) StartProcessing(_ context.Context, id, userID string, answers []string, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok || r.UserID != userID || (r.Status != models.StatusQuestions && r.Status != models.StatusFailed) {
		return store.ErrConflict
	}

	r.Answers = answers
	r.ResearchTopic = topic
	r.Status = models.StatusProcessing
	r.Error = ""
	f.startedAt[id] = time.Now()

	return nil
}

func (f *fakeStore) CompleteResearch(_ context.Context, id, report string, sources []models.Source, coverURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.records[id]
	now := time.Now()
	r.Report = report
	r.Sources = sources
	r.CoverURL = coverURL
	r.Status = models.StatusCompleted
	r.CompletedAt = &now

	return nil
}

func (f *fakeStore) FailResearch(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.records[id]; ok {
		r.Status = models.StatusFailed
		r.Error = msg
	}

	return nil
}

func (f *fakeStore) FailStale(_ context.Context, maxAge time.Duration, msg string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)

	var n int64

	for id, r := range f.records {
		if r.Status != models.StatusProcessing || f.startedAt[id].After(cutoff) {
			continue
		}

		r.Status = models.StatusFailed
		r.Error = msg
		n++
	}

	return n, nil
}

func (f *fakeStore) DeleteResearch(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok || r.UserID != userID {
		return store.ErrNotFound
	}

	delete(f.records, id)

	return nil
}

func (f *fakeStore) get(id string) *models.Research {
	f.mu.Lock()
	defer f.mu.Unlock()

	return clone(f.records[id])
}

type fakeStates struct {
	saved   map[string]*models.State
	deleted []string
}

func (f *fakeStates) Save(_ context.Context, id string, state *models.State) error {
	if f.saved == nil {
		f.saved = map[string]*models.State{}
	}

	f.saved[id] = state

	return nil
}

func (f *fakeStates) Get(_ context.Context, id string) (*models.State, error) {
	s, ok := f.saved[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return s, nil
}

func (f *fakeStates) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeUsage struct {
	used     map[string]int
	refunded int
}

func (f *fakeUsage) Consume(_ context.Context, userID string, limit int) (models.Usage, bool, error) {
	if f.used == nil {
		f.used = map[string]int{}
	}

	if f.used[userID] >= limit {
		return models.Usage{Limit: limit}, false, nil
	}

	f.used[userID]++

	return models.Usage{Remaining: limit - f.used[userID], Limit: limit}, true, nil
}

func (f *fakeUsage) Refund(_ context.Context, userID string) error {
	f.used[userID]--
	f.refunded++

	return nil
}

func (f *fakeUsage) Usage(_ context.Context, userID string, limit int) (models.Usage, error) {
	return models.Usage{Remaining: limit - f.used[userID], Limit: limit}, nil
}

type fakeFiles struct {
	objects map[string][]byte
	removed []string
}

func (f *fakeFiles) Upload(_ context.Context, key string, data []byte, _ string) error {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}

	f.objects[key] = data

	return nil
}

func (f *fakeFiles) Download(_ context.Context, key string) ([]byte, string, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, "", store.ErrNotFound
	}

	return data, "image/png", nil
}

func (f *fakeFiles) Remove(_ context.Context, key string) error {
	f.removed = append(f.removed, key)
	return nil
}

type fakeSearch struct {
	results map[string][]models.SearchResult
	queries []string
}

func (f *fakeSearch) Search(_ context.Context, query string) ([]models.SearchResult, error) {
	f.queries = append(f.queries, query)

	results, ok := f.results[query]
	if !ok {
		return nil, errors.New("search backend down")
	}

	return results, nil
}

type fakeLLM struct {
	mu sync.Mutex

	clarify     string
	clarifyErr  error
	plan        string
	summaryErr  map[string]error
	report      string
	reportErr   error
	image       []byte
	imageErr    error
	reportPanic bool
	jsonCalls   int
	streamReqs  []llm.Request
	summaryReqs []llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.summaryReqs = append(f.summaryReqs, req)

	for marker, err := range f.summaryErr {
		if strings.Contains(req.User, marker) {
			return "", err
		}
	}

	raw := req.User[strings.Index(req.User, "<Raw Content>")+len("<Raw Content>"):]

	return "summary of " + strings.TrimSuffix(raw, "</Raw Content>"), nil
}

func (f *fakeLLM) CompleteJSON(_ context.Context, req llm.Request, out any, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.jsonCalls++

	if req.System == llm.ClarificationPrompt() {
		if f.clarifyErr != nil {
			return f.clarifyErr
		}

		return llm.DecodeJSON(f.clarify, out)
	}

	return llm.DecodeJSON(f.plan, out)
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.streamReqs = append(f.streamReqs, req)

	if f.reportPanic {
		panic("stream decoder: nil chunk")
	}

	return f.report, f.reportErr
}

func (f *fakeLLM) GenerateImage(_ context.Context, _, _ string) ([]byte, error) {
	return f.image, f.imageErr
}

// syncRunner runs jobs inline. With drop set it accepts jobs and never runs
// them, the way a process killed mid-pipeline would.
type syncRunner struct {
	busy bool
	drop bool
}

func (r *syncRunner) Submit(ctx context.Context, job func(ctx context.Context)) error {
	if r.busy {
		return ErrPoolBusy
	}

	if r.drop {
		return nil
	}

	job(context.WithoutCancel(ctx))

	return nil
}

type testEnv struct {
	svc    *Service
	store  *fakeStore
	states *fakeStates
	usage  *fakeUsage
	files  *fakeFiles
	search *fakeSearch
	llm    *fakeLLM
	runner *syncRunner
	keys   []string
}

const (
	testUser  = "user-1"
	otherUser = "user-2"
)

func newTestEnv() *testEnv {
	env := &testEnv{
		store:  newFakeStore(),
		states: &fakeStates{},
		usage:  &fakeUsage{},
		files:  &fakeFiles{},
		search: &fakeSearch{results: map[string][]models.SearchResult{}},
		llm: &fakeLLM{
			clarify: `{"research_title":"**Tea** history","clarifying_questions":["Which era?"," ","Which region?","Which era?"]}`,
			plan:    `{"queries":["tea origins","tea trade"," ","tea origins"]}`,
			report:  "# Tea\n\n## Origins\n\nTea began in China [INLINE_CITATION](https://a.example).",
			image:   []byte("png"),
		},
		runner: &syncRunner{},
	}

	logger := zerolog.Nop()

	env.svc = NewService(Deps{
		Store:  env.store,
		States: env.states,
		Usage:  env.usage,
		Files:  env.files,
		Search: env.search,
		Runner: env.runner,
		LLMFor: func(apiKey string) LLM {
			env.keys = append(env.keys, apiKey)
			return env.llm
		},
	}, Options{
		Models: llm.Models{
			Planning:  "planning/model",
			JSON:      "json/model",
			Summary:   "summary/model",
			Answer:    "answer/model",
			Image:     "image/model",
			Available: []string{"answer/model", "other/model"},
		},
		MaxQueries: 3,
		DailyLimit: 2,
	}, &logger)

	return env
}

// seed creates a record that already has its questions.
func (e *testEnv) seed(message string) *models.Research {
	r, err := e.store.CreateResearch(context.Background(), testUser, message, models.OutputSmart, "answer/model")
	if err != nil {
		panic(err)
	}

	_ = e.store.SetQuestions(context.Background(), r.ID, "Tea history", []string{"Which era?"})

	return e.store.get(r.ID)
}
