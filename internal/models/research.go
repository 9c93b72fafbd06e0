package models

import "time"

// Research statuses, in pipeline order.
const (
	StatusQuestions  = "questions"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Output types select the answer prompt.
const (
	OutputSmart    = "smart"
	OutputAcademic = "academic"
)

// Source is a web source cited in the report.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// SearchResult is one scraped page carried through the pipeline.
type SearchResult struct {
	Link    string `json:"link"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Summary string `json:"summary,omitempty"`
}

// Research is a row in the PostgreSQL research table.
type Research struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	InitialUserMessage string     `json:"initial_user_message"`
	Title              string     `json:"title,omitempty"`
	ResearchTopic      string     `json:"research_topic,omitempty"`
	Status             string     `json:"status"`
	Questions          []string   `json:"questions"`
	Answers            []string   `json:"answers"`
	Report             string     `json:"report,omitempty"`
	Sources            []Source   `json:"sources"`
	CoverURL           string     `json:"cover_url,omitempty"`
	OutputType         string     `json:"output_type"`
	Model              string     `json:"model"`
	Error              string     `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Topic returns the best available description of what is being researched.
func (r *Research) Topic() string {
	switch {
	case r.ResearchTopic != "":
		return r.ResearchTopic
	case r.InitialUserMessage != "":
		return r.InitialUserMessage
	default:
		return "Unknown Topic"
	}
}

// ResearchSummary is a row of the research list.
type ResearchSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	OutputType string    `json:"output_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// State is the intermediate pipeline data kept in Redis.
type State struct {
	Queries       []string       `json:"queries"`
	SearchResults []SearchResult `json:"search_results"`
}

// CreateRequest is the JSON body for POST /api/research.
type CreateRequest struct {
	Message    string `json:"message"`
	OutputType string `json:"output_type"`
	Model      string `json:"model"`
}

// AnswersRequest is the JSON body for POST /api/research/{id}/answers and /skip.
type AnswersRequest struct {
	Answers        []string `json:"answers"`
	TogetherAPIKey string   `json:"together_api_key"`
}

// Metadata describes a research page for sharing.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
}

// Usage reports the remaining free research credits of a user.
type Usage struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetTime time.Time `json:"reset_time"`
}
