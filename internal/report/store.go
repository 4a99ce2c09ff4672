// Package report persists abuse reports to PostgreSQL. Each report captures
// who reported whom, the room, and a snapshot of the recent conversation for
// moderator review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Context entry scopes: which log the snapshotted message came from.
const (
	ScopeRoom    = "room"
	ScopePrivate = "private"
)

// validReasons mirrors the CHECK constraint on abuse_reports.reason.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// ValidReason reports whether reason is one of the accepted report reasons.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Store wraps the reports table behind a database/sql handle.
type Store struct {
	db *sql.DB
}

// Report is a single abuse report. The same shape travels over the report
// feed and is persisted by the moderator service.
type Report struct {
	Reporter string         `json:"reporter"`
	Reported string         `json:"reported"`
	Room     string         `json:"room"`
	Reason   string         `json:"reason"`
	FiledAt  int64          `json:"filed_at"` // unix millis, stamped by the filing server
	Context  []ContextEntry `json:"context,omitempty"`
}

// ContextEntry is one message in the conversation snapshot attached to a
// report.
type ContextEntry struct {
	Scope     string `json:"scope"` // ScopeRoom or ScopePrivate
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewStore returns a Store using db for all queries.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates the reason and inserts one report row. The conversation
// snapshot goes into a JSONB column; an empty snapshot inserts NULL.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !ValidReason(report.Reason) {
		return fmt.Errorf("report: invalid reason %q", report.Reason)
	}

	var contextJSON []byte
	if len(report.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(report.Context)
		if err != nil {
			return fmt.Errorf("report: marshal context: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (reporter, reported, room, reason, filed_at, context)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		report.Reporter,
		report.Reported,
		report.Room,
		report.Reason,
		report.FiledAt,
		contextJSON,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a username within
// the given time window. The moderator uses it to decide when repeated
// reports should escalate into a ban.
func (s *Store) CountRecent(ctx context.Context, reported string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported = $1
		  AND created_at >= NOW() - make_interval(secs => $2)`

	var count int
	err := s.db.QueryRowContext(ctx, query, reported, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
