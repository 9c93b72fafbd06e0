package benchmark

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ayush/open-deep-research/internal/llm"
	"github.com/ayush/open-deep-research/internal/models"
)

const (
	// DefaultQuery is the topic used when a speed test names none.
	DefaultQuery = "Summarize this content"

	minFetchedChars  = 100
	maxContentChars  = 50_000
	truncationSuffix = "..."
)

// SpeedCompare summarizes the same text with the summary model and the speed
// model, one after the other, and compares their timings.
func (s *Service) SpeedCompare(ctx context.Context, req models.SpeedRequest) (*models.SpeedReport, error) {
	rawURL := strings.TrimSpace(req.URL)
	content := req.Content

	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = DefaultQuery
	}

	if rawURL == "" && strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: either 'url' or 'content' must be provided", ErrInvalidInput)
	}

	if strings.TrimSpace(content) == "" {
		text, err := s.fetcher.FetchText(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrFetch, rawURL, err)
		}

		if utf8.RuneCountInString(strings.TrimSpace(text)) < minFetchedChars {
			return nil, fmt.Errorf("%w: could not extract sufficient content from the URL", ErrInvalidInput)
		}

		content = text
	}

	if utf8.RuneCountInString(content) > maxContentChars {
		content = string([]rune(content)[:maxContentChars]) + truncationSuffix
	}

	input := llm.SummarizerInput(query, content)
	results := make([]models.SpeedResult, 0, 2)

	for _, model := range []string{s.opts.SummaryModel, s.opts.SpeedModel} {
		results = append(results, s.summarize(ctx, model, input))
	}

	comparison := models.SpeedComparison{ContentLength: utf8.RuneCountInString(content)}
	if rawURL != "" {
		comparison.URL = &rawURL
	}

	if results[0].Error == "" && results[1].Error == "" {
		faster := results[1].Model
		if results[0].TimeMS < results[1].TimeMS {
			faster = results[0].Model
		}

		diff := results[0].TimeMS - results[1].TimeMS
		if diff < 0 {
			diff = -diff
		}

		comparison.FasterModel = &faster
		comparison.TimeDifference = &diff
	}

	return &models.SpeedReport{Results: results, Comparison: comparison}, nil
}

func (s *Service) summarize(ctx context.Context, model, input string) models.SpeedResult {
	start := time.Now()

	summary, err := s.llm.Complete(ctx, llm.Request{
		Model:  model,
		System: llm.SummarizerPrompt,
		User:   input,
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		s.logger.Warn().Err(err).Str("model", model).Int64("time_ms", elapsed).Msg("speed test model failed")
		return models.SpeedResult{Model: model, TimeMS: elapsed, Error: err.Error()}
	}

	s.logger.Info().Str("model", model).Int64("time_ms", elapsed).Msg("speed test model finished")

	return models.SpeedResult{Model: model, Summary: summary, TimeMS: elapsed}
}
