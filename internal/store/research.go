package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ayush/open-deep-research/internal/models"
)

const researchColumns = `id, user_id, initial_user_message, title, research_topic, status,
	questions, answers, report, sources, cover_url, output_type, model, error,
	created_at, completed_at`

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func scanResearch(row pgx.Row) (*models.Research, error) {
	var (
		r                                      models.Research
		title, topic, report, coverURL, errMsg *string
		questions, answers, sources            []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &r.InitialUserMessage, &title, &topic, &r.Status,
		&questions, &answers, &report, &sources, &coverURL, &r.OutputType, &r.Model, &errMsg,
		&r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}

	r.Title = deref(title)
	r.ResearchTopic = deref(topic)
	r.Report = deref(report)
	r.CoverURL = deref(coverURL)
	r.Error = deref(errMsg)

	if err := unmarshalNullable(questions, &r.Questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	if err := unmarshalNullable(answers, &r.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if err := unmarshalNullable(sources, &r.Sources); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	return &r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// CreateResearch inserts a record in the questions status.
func (s *PostgresStore) CreateResearch(ctx context.Context, userID, message, outputType, model string) (*models.Research, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO research (user_id, initial_user_message, status, output_type, model)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+researchColumns,
		userID, message, models.StatusQuestions, outputType, model,
	)
	r, err := scanResearch(row)
	if err != nil {
		return nil, fmt.Errorf("create research: %w", err)
	}
	return r, nil
}

// GetResearch returns a record owned by userID.
func (s *PostgresStore) GetResearch(ctx context.Context, id, userID string) (*models.Research, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+researchColumns+` FROM research WHERE id = $1 AND user_id = $2`, id, userID)
	r, err := scanResearch(row)
	if err != nil {
		return nil, notFound("get research", err)
	}
	return r, nil
}

// GetResearchByID returns a record regardless of owner, for background jobs.
func (s *PostgresStore) GetResearchByID(ctx context.Context, id string) (*models.Research, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+researchColumns+` FROM research WHERE id = $1`, id)
	r, err := scanResearch(row)
	if err != nil {
		return nil, notFound("get research", err)
	}
	return r, nil
}

// ListResearch returns the user's records, newest first.
func (s *PostgresStore) ListResearch(ctx context.Context, userID string) ([]models.ResearchSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(title, initial_user_message), status, output_type, created_at
		 FROM research WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list research: %w", err)
	}
	defer rows.Close()

	list := []models.ResearchSummary{}
	for rows.Next() {
		var r models.ResearchSummary
		if err := rows.Scan(&r.ID, &r.Title, &r.Status, &r.OutputType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan research: %w", err)
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// SetQuestions stores the generated title and clarifying questions.
func (s *PostgresStore) SetQuestions(ctx context.Context, id, title string, questions []string) error {
	if questions == nil {
		questions = []string{}
	}
	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE research SET title = $2, questions = $3 WHERE id = $1`, id, title, data)
	if err != nil {
		return fmt.Errorf("set questions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StartProcessing stores the answers and moves the record to processing.
// A record that is already processing or completed is left untouched.
func (s *PostgresStore) StartProcessing(ctx context.Context, id, userID string, answers []string, topic string) error {
	if answers == nil {
		answers = []string{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE research
		 SET answers = $3, research_topic = $4, status = $5, error = NULL, started_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status IN ($6, $7)`,
		id, userID, data, topic, models.StatusProcessing, models.StatusQuestions, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteResearch stores the pipeline output and marks the record completed.
func (s *PostgresStore) CompleteResearch(ctx context.Context, id, report string, sources []models.Source, coverURL string) error {
	if sources == nil {
		sources = []models.Source{}
	}
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	var cover *string
	if coverURL != "" {
		cover = &coverURL
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE research
		 SET report = $2, sources = $3, cover_url = $4, status = $5, error = NULL, completed_at = $6
		 WHERE id = $1`,
		id, report, data, cover, models.StatusCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete research: %w", err)
	}
	return nil
}

// FailResearch marks the record failed with msg.
func (s *PostgresStore) FailResearch(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE research SET status = $2, error = $3 WHERE id = $1`, id, models.StatusFailed, msg)
	if err != nil {
		return fmt.Errorf("fail research: %w", err)
	}
	return nil
}

// FailStale marks records that have been processing for longer than maxAge
// as failed with msg and returns how many it changed.
func (s *PostgresStore) FailStale(ctx context.Context, maxAge time.Duration, msg string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research SET status = $1, error = $2
		 WHERE status = $3 AND (started_at IS NULL OR started_at < NOW() - make_interval(secs => $4))`,
		models.StatusFailed, msg, models.StatusProcessing, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("fail stale research: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteResearch removes a record owned by userID.
func (s *PostgresStore) DeleteResearch(ctx context.Context, id, userID string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM research WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete research: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestCompleted returns the most recently completed record of any user.
func (s *PostgresStore) LatestCompleted(ctx context.Context) (*models.Research, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+researchColumns+` FROM research
		 WHERE status = $1 ORDER BY completed_at DESC NULLS LAST LIMIT 1`, models.StatusCompleted)
	r, err := scanResearch(row)
	if err != nil {
		return nil, notFound("latest completed research", err)
	}
	return r, nil
}
