package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/shared"
)

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns an epic name into its channel suffix.
func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

const epicColumns = `
	id, name, goal, status, priority, tags,
	COALESCE(lead_agent_id, ''), COALESCE(channel_id, ''), COALESCE(progress_notified_at, ''),
	created_at, last_updated_at, COALESCE(started_at, ''), COALESCE(completed_at, '')`

func scanEpic(scanFn func(dest ...any) error) (*Epic, error) {
	var e Epic
	var tags string
	if err := scanFn(
		&e.ID, &e.Name, &e.Goal, &e.Status, &e.Priority, &tags,
		&e.LeadAgentID, &e.ChannelID, &e.ProgressNotifiedAt,
		&e.CreatedAt, &e.LastUpdatedAt, &e.StartedAt, &e.CompletedAt,
	); err != nil {
		return nil, err
	}
	e.Tags = unmarshalStrings(tags)
	return &e, nil
}

// NewEpic carries an epic creation.
type NewEpic struct {
	Name        string
	Goal        string
	Priority    int
	Tags        []string
	LeadAgentID string
}

// CreateEpic inserts an epic and auto-provisions its channel named
// epic-<slug>. The channel and epic rows commit together.
func (s *Store) CreateEpic(ctx context.Context, ne NewEpic) (*Epic, error) {
	name := strings.TrimSpace(ne.Name)
	if name == "" {
		return nil, conflictErr("epic name required", errors.New("empty name"))
	}
	epicID := uuid.NewString()
	channelID := uuid.NewString()
	channelName := "epic-" + slugify(name)
	now := shared.Now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, name, description, created_by, created_at, last_updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?);
		`, channelID, channelName, "Channel for epic "+name, ne.LeadAgentID, now, now); err != nil {
			if isConstraintViolation(err) {
				return conflictErr("epic channel name unique", err)
			}
			return fmt.Errorf("insert epic channel: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO epics (id, name, goal, status, priority, tags, lead_agent_id, channel_id, created_at, last_updated_at)
			VALUES (?, ?, ?, 'draft', ?, ?, NULLIF(?, ''), ?, ?, ?);
		`, epicID, name, ne.Goal, ne.Priority, marshalStrings(ne.Tags), ne.LeadAgentID, channelID, now, now); err != nil {
			if isConstraintViolation(err) {
				return conflictErr("epic name unique", err)
			}
			return fmt.Errorf("insert epic: %w", err)
		}
		_ = s.appendLogTx(ctx, tx, EventEpicCreated, ne.LeadAgentID, "", "", name, `{"channelId":"`+channelID+`"}`)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetEpic(ctx, epicID)
}

// GetEpic returns the epic or ErrNotFound.
func (s *Store) GetEpic(ctx context.Context, id string) (*Epic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id = ?;`, id)
	e, err := scanEpic(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: epic %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select epic: %w", err)
	}
	return e, nil
}

// ListEpics returns epics, optionally filtered by status, newest first.
func (s *Store) ListEpics(ctx context.Context, status EpicStatus) ([]Epic, error) {
	query := `SELECT ` + epicColumns + ` FROM epics`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query epics: %w", err)
	}
	defer rows.Close()
	var out []Epic
	for rows.Next() {
		e, err := scanEpic(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateEpicStatus transitions an epic, stamping started_at on activation
// and completed_at on completion.
func (s *Store) UpdateEpicStatus(ctx context.Context, id string, status EpicStatus) (*Epic, error) {
	switch status {
	case EpicStatusDraft, EpicStatusActive, EpicStatusPaused, EpicStatusCompleted, EpicStatusCancelled:
	default:
		return nil, conflictErr("invalid epic status", fmt.Errorf("status %q", status))
	}
	now := shared.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE epics SET status = ?, last_updated_at = ?,
				started_at = CASE WHEN ? = 'active' AND started_at IS NULL THEN ? ELSE started_at END,
				completed_at = CASE WHEN ? IN ('completed', 'cancelled') THEN ? ELSE completed_at END
			WHERE id = ?;
		`, status, now, status, now, status, now, id)
		if err != nil {
			return fmt.Errorf("update epic status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: epic %s", ErrNotFound, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetEpic(ctx, id)
}

func (s *Store) epicProgress(ctx context.Context, epicID string) (EpicProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM agent_tasks WHERE epic_id = ? GROUP BY status;
	`, epicID)
	if err != nil {
		return EpicProgress{}, fmt.Errorf("count epic tasks: %w", err)
	}
	defer rows.Close()

	var p EpicProgress
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return EpicProgress{}, fmt.Errorf("scan epic count: %w", err)
		}
		p.Total += n
		switch st {
		case TaskStatusCompleted:
			p.Completed += n
		case TaskStatusFailed:
			p.Failed += n
		case TaskStatusInProgress, TaskStatusPaused:
			p.InProgress += n
		case TaskStatusPending, TaskStatusOffered, TaskStatusReviewing:
			p.Pending += n
		case TaskStatusUnassigned, TaskStatusBacklog:
			p.Unassigned += n
		}
	}
	if err := rows.Err(); err != nil {
		return EpicProgress{}, err
	}
	if p.Total > 0 {
		p.Progress = int(math.Round(100 * float64(p.Completed) / float64(p.Total)))
	}
	return p, nil
}

// GetEpicWithProgress returns the epic plus derived task stats.
func (s *Store) GetEpicWithProgress(ctx context.Context, id string) (*EpicWithProgress, error) {
	e, err := s.GetEpic(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.epicProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	return &EpicWithProgress{Epic: *e, EpicProgress: p}, nil
}

// EpicsWithProgressUpdates returns active epics with child-task completions
// newer than the last progress notification. Used by the lead epic_progress
// trigger.
func (s *Store) EpicsWithProgressUpdates(ctx context.Context) ([]EpicWithProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+epicColumns+`
		FROM epics e
		WHERE e.status = 'active'
		  AND EXISTS (
			SELECT 1 FROM agent_tasks t
			WHERE t.epic_id = e.id
			  AND t.status IN ('completed', 'failed')
			  AND t.finished_at IS NOT NULL
			  AND (e.progress_notified_at IS NULL OR t.finished_at > e.progress_notified_at)
		  )
		ORDER BY e.created_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("query epics with updates: %w", err)
	}
	defer rows.Close()

	var epics []Epic
	for rows.Next() {
		e, err := scanEpic(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		epics = append(epics, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]EpicWithProgress, 0, len(epics))
	for _, e := range epics {
		p, err := s.epicProgress(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, EpicWithProgress{Epic: e, EpicProgress: p})
	}
	return out, nil
}

// MarkEpicsProgressNotified stamps progress_notified_at on the given epics.
// The guard is applied per row in one transaction so a stamp never moves
// backwards; at-least-once delivery across polls is the contract.
func (s *Store) MarkEpicsProgressNotified(ctx context.Context, epicIDs []string) error {
	if len(epicIDs) == 0 {
		return nil
	}
	now := shared.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range epicIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE epics SET progress_notified_at = ?
				WHERE id = ? AND (progress_notified_at IS NULL OR progress_notified_at < ?);
			`, now, id, now); err != nil {
				return fmt.Errorf("mark epic notified: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range epicIDs {
		s.publish(bus.TopicEpicProgress, map[string]string{"epicId": id})
	}
	return nil
}
