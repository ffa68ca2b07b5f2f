package memory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConversationRecord records one prompt/response exchange.
// It is mutated exactly once, by complete, and is read-only afterwards.
type ConversationRecord struct {
	ID         string
	UserID     string
	ChatPrompt string
	AIResponse string
	StartTime  time.Time
	EndTime    time.Time // zero until completed
	Duration   time.Duration
}

func newRecord(userID, prompt string, now time.Time) *ConversationRecord {
	return &ConversationRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		ChatPrompt: prompt,
		StartTime:  now,
	}
}

func (r *ConversationRecord) complete(response string, now time.Time) {
	r.AIResponse = response
	r.EndTime = now
	r.Duration = now.Sub(r.StartTime)
}

// Completed reports whether the model call for this record has returned.
func (r *ConversationRecord) Completed() bool {
	return !r.EndTime.IsZero()
}

type recordJSON struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	ChatPrompt string   `json:"chat_prompt"`
	AIResponse string   `json:"ai_response"`
	StartTime  *string  `json:"start_time"`
	EndTime    *string  `json:"end_time"`
	Duration   *float64 `json:"duration"`
}

// MarshalJSON renders times as RFC3339 and the duration in seconds.
// End time and duration are null until the record is completed.
func (r *ConversationRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:         r.ID,
		UserID:     r.UserID,
		ChatPrompt: r.ChatPrompt,
		AIResponse: r.AIResponse,
	}
	if !r.StartTime.IsZero() {
		s := r.StartTime.Format(time.RFC3339Nano)
		out.StartTime = &s
	}
	if r.Completed() {
		e := r.EndTime.Format(time.RFC3339Nano)
		d := r.Duration.Seconds()
		out.EndTime = &e
		out.Duration = &d
	}
	return json.Marshal(out)
}
