// Package report provides PostgreSQL-backed storage for block reports.
// Each report captures who blocked whom, the chat context, and the last few
// messages exchanged (for moderator review).
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/matchsync/internal/apperr"
	"github.com/whisper/matchsync/internal/chat"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the block_reports table.
var validReasons = map[string]bool{
	"harassment":    true,
	"spam":          true,
	"fake_profile":  true,
	"inappropriate": true,
	"other":         true,
}

// ValidReason reports whether reason may be stored.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Store manages block reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report represents a single block report to be persisted.
type Report struct {
	ReporterID string
	ReportedID string
	ChatID     string
	Reason     string
	Messages   []chat.BufferedMessage // last N messages from the chat buffer
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a block report. Messages are marshalled to JSONB. The
// reason is validated against the allowed set before insertion.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("report: %w", apperr.Validation("invalid reason %q", report.Reason))
	}

	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO block_reports (reporter_id, reported_id, chat_id, reason, messages)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		report.ReporterID,
		report.ReportedID,
		sql.NullString{String: report.ChatID, Valid: report.ChatID != ""},
		report.Reason,
		messagesJSON,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given time window.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM block_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
