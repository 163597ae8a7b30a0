package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/models"
)

// HistoryStore persists completed diagnosis runs for authenticated callers.
// Anonymous runs are never written here.
type HistoryStore struct {
	pool Pool
}

func NewHistoryStore(pool Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// HistoryListLimit caps how many past diagnoses a listing returns.
const HistoryListLimit = 10

// Append records one completed diagnosis and returns its id.
func (h *HistoryStore) Append(ctx context.Context, userID uuid.UUID, answers models.AnswerSet, outcome *models.DiagnosisOutcome) (uuid.UUID, error) {
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return uuid.Nil, apperr.Store(err, "db: encode answers")
	}
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return uuid.Nil, apperr.Store(err, "db: encode outcome")
	}

	var id uuid.UUID
	err = h.pool.QueryRow(ctx, `
		INSERT INTO diagnosis_history (user_id, answers, outcome, confidence_score)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, userID, answersJSON, outcomeJSON, outcome.ConfidenceScore).Scan(&id)
	if err != nil {
		return uuid.Nil, apperr.Store(err, "db: append diagnosis")
	}

	return id, nil
}

// ListFor returns the caller's most recent diagnoses, newest first.
func (h *HistoryStore) ListFor(ctx context.Context, userID uuid.UUID) ([]models.HistoryEntry, error) {
	rows, err := h.pool.Query(ctx, `
		SELECT id, confidence_score, created_at
		FROM diagnosis_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, HistoryListLimit)
	if err != nil {
		return nil, apperr.Store(err, "db: list diagnosis history")
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.DiagnosisID, &e.ConfidenceScore, &e.CreatedAt); err != nil {
			return nil, apperr.Store(err, "db: scan history entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one stored diagnosis outcome, owner-checked.
func (h *HistoryStore) Get(ctx context.Context, userID, diagnosisID uuid.UUID) (*models.DiagnosisOutcome, error) {
	var outcomeJSON []byte
	err := h.pool.QueryRow(ctx, `
		SELECT outcome FROM diagnosis_history
		WHERE id = $1 AND user_id = $2
	`, diagnosisID, userID).Scan(&outcomeJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("diagnosis %s", diagnosisID))
	}
	if err != nil {
		return nil, apperr.Store(err, "db: get diagnosis")
	}

	var outcome models.DiagnosisOutcome
	if err := json.Unmarshal(outcomeJSON, &outcome); err != nil {
		return nil, apperr.Store(err, "db: decode outcome")
	}
	outcome.DiagnosisID = &diagnosisID

	return &outcome, nil
}
