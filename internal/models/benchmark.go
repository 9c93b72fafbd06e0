package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ModelResult is the outcome of one model in a benchmark run.
type ModelResult struct {
	Model        string `json:"model"         bson:"model"`
	DurationMS   int64  `json:"duration"      bson:"duration_ms"`
	ReportLength int    `json:"reportLength"  bson:"report_length"`
	Speed        int    `json:"speed"         bson:"speed"`
	Error        string `json:"error,omitempty" bson:"error,omitempty"`
}

// BenchmarkRun is a benchmark result stored in MongoDB.
type BenchmarkRun struct {
	ID          primitive.ObjectID `json:"id"          bson:"_id,omitempty"`
	Topic       string             `json:"topic"       bson:"topic"`
	SourceCount int                `json:"sourceCount" bson:"source_count"`
	Results     []ModelResult      `json:"results"     bson:"results"`
	OutputDir   string             `json:"outputDir"   bson:"output_dir"`
	Timestamp   string             `json:"timestamp"   bson:"timestamp"`
	CreatedAt   time.Time          `json:"created_at"  bson:"created_at"`
}

// BenchmarkRequest is the JSON body for POST /api/benchmark.
type BenchmarkRequest struct {
	Models []string `json:"models"`
}

// SpeedRequest is the JSON body for POST /api/test/speed-comparison.
type SpeedRequest struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	Query   string `json:"query"`
}

// SpeedResult is one model's summary in a speed comparison.
type SpeedResult struct {
	Model   string `json:"model"`
	Summary string `json:"summary"`
	TimeMS  int64  `json:"timeMs"`
	Error   string `json:"error,omitempty"`
}

// SpeedComparison compares the timings of a speed test.
type SpeedComparison struct {
	FasterModel    *string `json:"fasterModel"`
	TimeDifference *int64  `json:"timeDifference"`
	ContentLength  int     `json:"contentLength"`
	URL            *string `json:"url"`
}

// SpeedReport is the response of POST /api/test/speed-comparison.
type SpeedReport struct {
	Results    []SpeedResult   `json:"results"`
	Comparison SpeedComparison `json:"comparison"`
}
