package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/shared"
)

// MaxEmptyPolls is the number of consecutive empty polls after which the
// poll endpoint reports "blocked" so the worker loop backs off.
const MaxEmptyPolls = 2

// Persona field size caps enforced on profile updates.
const (
	MaxPersonaFieldBytes = 64 * 1024
	MaxRoleChars         = 100
)

// personaFields names the versioned profile columns.
var personaFields = []string{"claude_md", "soul_md", "identity_md", "setup_script", "tools_md"}

const agentColumns = `
	id, name, is_lead, status, max_tasks, empty_poll_count,
	role, description, capabilities,
	claude_md, soul_md, identity_md, setup_script, tools_md,
	created_at, last_updated_at`

func scanAgent(scanFn func(dest ...any) error) (*Agent, error) {
	var a Agent
	var capabilities string
	if err := scanFn(
		&a.ID, &a.Name, &a.IsLead, &a.Status, &a.MaxTasks, &a.EmptyPollCount,
		&a.Role, &a.Description, &capabilities,
		&a.ClaudeMd, &a.SoulMd, &a.IdentityMd, &a.SetupScript, &a.ToolsMd,
		&a.CreatedAt, &a.LastUpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Capabilities = unmarshalStrings(capabilities)
	return &a, nil
}

// AgentProfile carries the optional descriptive fields of an agent. A nil
// pointer means "leave unchanged" on update.
type AgentProfile struct {
	Role         *string
	Description  *string
	Capabilities []string
	ClaudeMd     *string
	SoulMd       *string
	IdentityMd   *string
	SetupScript  *string
	ToolsMd      *string
}

// RegisterAgent upserts an agent by name. Rediscovery of an existing name
// returns the existing row (created=false), transitioning it from offline
// back to idle and resetting the empty-poll counter.
func (s *Store) RegisterAgent(ctx context.Context, id, name string, isLead bool, maxTasks int, profile AgentProfile) (*Agent, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, conflictErr("agent name required", errors.New("empty name"))
	}
	if maxTasks <= 0 {
		maxTasks = 1
	}
	if err := validateProfile(profile); err != nil {
		return nil, false, err
	}

	var agent *Agent
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?;`, name)
		existing, err := scanAgent(row.Scan)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select agent by name: %w", err)
		}
		now := shared.Now()

		if existing != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agents SET status = CASE WHEN status = 'offline' THEN 'idle' ELSE status END,
					empty_poll_count = 0, last_updated_at = ?
				WHERE id = ?;
			`, now, existing.ID); err != nil {
				return fmt.Errorf("revive agent: %w", err)
			}
			fresh, err := s.getAgentTx(ctx, tx, existing.ID)
			if err != nil {
				return err
			}
			agent = fresh
			return nil
		}

		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, is_lead, status, max_tasks, role, description, capabilities,
				claude_md, soul_md, identity_md, setup_script, tools_md, created_at, last_updated_at)
			VALUES (?, ?, ?, 'idle', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, name, isLead, maxTasks,
			deref(profile.Role), deref(profile.Description), marshalStrings(profile.Capabilities),
			deref(profile.ClaudeMd), deref(profile.SoulMd), deref(profile.IdentityMd),
			deref(profile.SetupScript), deref(profile.ToolsMd), now, now); err != nil {
			if isConstraintViolation(err) {
				return conflictErr("agent name unique", err)
			}
			return fmt.Errorf("insert agent: %w", err)
		}
		// Seed version 1 for every persona field supplied at registration.
		for _, field := range personaFields {
			content := personaValue(profile, field)
			if content == nil || *content == "" {
				continue
			}
			if err := s.appendContextVersionTx(ctx, tx, id, field, *content, ChangeSourceSystem, "", "initial registration"); err != nil {
				return err
			}
		}
		_ = s.appendLogTx(ctx, tx, EventAgentRegistered, id, "", "", name, "{}")
		fresh, err := s.getAgentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		agent = fresh
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publish(bus.TopicAgentRegistered, agent)
	}
	return agent, created, nil
}

func (s *Store) getAgentTx(ctx context.Context, tx *sql.Tx, id string) (*Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return a, nil
}

// GetAgent returns the agent or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return a, nil
}

// GetAgentByName returns the agent or ErrNotFound.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?;`, name)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("select agent by name: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent. Tasks bound to it keep their history via
// ON DELETE SET NULL.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// HeartbeatAgent bumps last_updated_at, reviving offline agents to idle.
// A busy agent stays busy.
func (s *Store) HeartbeatAgent(ctx context.Context, id string) (*Agent, error) {
	var agent *Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = CASE WHEN status = 'offline' THEN 'idle' ELSE status END,
				last_updated_at = ?
			WHERE id = ?;
		`, shared.Now(), id)
		if err != nil {
			return fmt.Errorf("heartbeat agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: agent %s", ErrNotFound, id)
		}
		fresh, err := s.getAgentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		agent = fresh
		return nil
	})
	return agent, err
}

// CloseAgent transitions an agent to offline.
func (s *Store) CloseAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'offline', last_updated_at = ? WHERE id = ?;
	`, shared.Now(), id)
	if err != nil {
		return fmt.Errorf("close agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// RecomputeAgentStatus derives busy/idle from in-flight tasks. Offline is
// sticky: only register/heartbeat revive an agent. Called after every
// status-relevant task mutation.
func (s *Store) RecomputeAgentStatus(ctx context.Context, agentID string) (*Agent, error) {
	var agent *Agent
	var oldStatus, newStatus AgentStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		oldStatus = current.Status
		if current.Status == AgentStatusOffline {
			agent = current
			newStatus = oldStatus
			return nil
		}
		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM agent_tasks WHERE agent_id = ? AND status = ?;
		`, agentID, TaskStatusInProgress).Scan(&active); err != nil {
			return fmt.Errorf("count in-flight: %w", err)
		}
		newStatus = AgentStatusIdle
		if active > 0 {
			newStatus = AgentStatusBusy
		}
		if newStatus != current.Status {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agents SET status = ?, last_updated_at = ? WHERE id = ?;
			`, newStatus, shared.Now(), agentID); err != nil {
				return fmt.Errorf("update agent status: %w", err)
			}
			_ = s.appendLogTx(ctx, tx, EventAgentStatusChange, agentID, "", string(current.Status), string(newStatus), "{}")
		}
		fresh, err := s.getAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		agent = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	if newStatus != oldStatus {
		s.publish(bus.TopicAgentStatusChanged, bus.AgentStatusChangedEvent{
			AgentID: agentID, OldStatus: string(oldStatus), NewStatus: string(newStatus),
		})
	}
	return agent, nil
}

// AgentHasCapacity reports whether the agent can take another in-flight task.
func (s *Store) AgentHasCapacity(ctx context.Context, agentID string) (bool, error) {
	var maxTasks, active int
	err := s.db.QueryRowContext(ctx, `
		SELECT a.max_tasks,
			(SELECT COUNT(1) FROM agent_tasks t WHERE t.agent_id = a.id AND t.status = ?)
		FROM agents a WHERE a.id = ?;
	`, TaskStatusInProgress, agentID).Scan(&maxTasks, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if err != nil {
		return false, fmt.Errorf("select capacity: %w", err)
	}
	return active < maxTasks, nil
}

// IncrementEmptyPoll bumps the consecutive-empty counter and returns the new
// value.
func (s *Store) IncrementEmptyPoll(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET empty_poll_count = empty_poll_count + 1 WHERE id = ?;
		`, agentID)
		if err != nil {
			return fmt.Errorf("increment empty poll: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
		}
		return tx.QueryRowContext(ctx, `SELECT empty_poll_count FROM agents WHERE id = ?;`, agentID).Scan(&count)
	})
	return count, err
}

// ResetEmptyPoll clears the counter after any non-empty poll.
func (s *Store) ResetEmptyPoll(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET empty_poll_count = 0 WHERE id = ?;
	`, agentID)
	if err != nil {
		return fmt.Errorf("reset empty poll: %w", err)
	}
	return nil
}

// UpdateAgentProfile applies a partial profile update. Each supplied persona
// field is content-hashed; a changed hash appends a ContextVersion in the
// same transaction as the agent row update, an identical hash writes
// nothing. Nil pointers leave fields unchanged.
func (s *Store) UpdateAgentProfile(ctx context.Context, agentID string, profile AgentProfile, source ContextChangeSource, changedBy, reason string) (*Agent, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}
	if source == "" {
		source = ChangeSourceAPI
	}

	var agent *Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getAgentTx(ctx, tx, agentID); err != nil {
			return err
		}
		set := []string{"last_updated_at = ?"}
		args := []any{shared.Now()}
		if profile.Role != nil {
			set = append(set, "role = ?")
			args = append(args, *profile.Role)
		}
		if profile.Description != nil {
			set = append(set, "description = ?")
			args = append(args, *profile.Description)
		}
		if profile.Capabilities != nil {
			set = append(set, "capabilities = ?")
			args = append(args, marshalStrings(profile.Capabilities))
		}
		for _, field := range personaFields {
			content := personaValue(profile, field)
			if content == nil {
				continue
			}
			set = append(set, field+" = ?")
			args = append(args, *content)
			if err := s.appendContextVersionTx(ctx, tx, agentID, field, *content, source, changedBy, reason); err != nil {
				return err
			}
		}
		args = append(args, agentID)
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET `+strings.Join(set, ", ")+` WHERE id = ?;`, args...); err != nil {
			return fmt.Errorf("update agent profile: %w", err)
		}
		_ = s.appendLogTx(ctx, tx, EventProfileUpdated, agentID, "", "", "", "{}")
		fresh, err := s.getAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		agent = fresh
		return nil
	})
	return agent, err
}

// appendContextVersionTx appends a version row when content differs from the
// latest stored hash for (agent, field). A no-op write produces no version.
func (s *Store) appendContextVersionTx(ctx context.Context, tx *sql.Tx, agentID, field, content string, source ContextChangeSource, changedBy, reason string) error {
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	var prevID, prevHash string
	var prevVersion int
	err := tx.QueryRowContext(ctx, `
		SELECT id, content_hash, version FROM context_versions
		WHERE agent_id = ? AND field = ?
		ORDER BY version DESC LIMIT 1;
	`, agentID, field).Scan(&prevID, &prevHash, &prevVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("select latest context version: %w", err)
	}
	if prevHash == hash {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO context_versions (id, agent_id, field, content, version, change_source,
			changed_by_agent_id, change_reason, content_hash, previous_version_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?);
	`, uuid.NewString(), agentID, field, content, prevVersion+1, source,
		changedBy, reason, hash, prevID, shared.Now()); err != nil {
		if isConstraintViolation(err) {
			return conflictErr("context version unique", err)
		}
		return fmt.Errorf("insert context version: %w", err)
	}
	return nil
}

// ListContextVersions returns versions for an agent (optionally one field),
// newest first.
func (s *Store) ListContextVersions(ctx context.Context, agentID, field string) ([]ContextVersion, error) {
	query := `
		SELECT id, agent_id, field, content, version, change_source,
			COALESCE(changed_by_agent_id, ''), COALESCE(change_reason, ''),
			content_hash, COALESCE(previous_version_id, ''), created_at
		FROM context_versions WHERE agent_id = ?`
	args := []any{agentID}
	if field != "" {
		query += ` AND field = ?`
		args = append(args, field)
	}
	query += ` ORDER BY field, version DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query context versions: %w", err)
	}
	defer rows.Close()
	var out []ContextVersion
	for rows.Next() {
		var v ContextVersion
		if err := rows.Scan(&v.ID, &v.AgentID, &v.Field, &v.Content, &v.Version, &v.ChangeSource,
			&v.ChangedByAgentID, &v.ChangeReason, &v.ContentHash, &v.PreviousVersionID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AgentStatusCounts returns the number of agents in each status.
func (s *Store) AgentStatusCounts(ctx context.Context) (map[AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agents GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count agents by status: %w", err)
	}
	defer rows.Close()
	out := map[AgentStatus]int{}
	for rows.Next() {
		var st AgentStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan agent status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func validateProfile(p AgentProfile) error {
	if p.Role != nil && len(*p.Role) > MaxRoleChars {
		return conflictErr("role too long", fmt.Errorf("role exceeds %d chars", MaxRoleChars))
	}
	for _, field := range personaFields {
		if v := personaValue(p, field); v != nil && len(*v) > MaxPersonaFieldBytes {
			return conflictErr(field+" too large", fmt.Errorf("%s exceeds %d bytes", field, MaxPersonaFieldBytes))
		}
	}
	return nil
}

func personaValue(p AgentProfile, field string) *string {
	switch field {
	case "claude_md":
		return p.ClaudeMd
	case "soul_md":
		return p.SoulMd
	case "identity_md":
		return p.IdentityMd
	case "setup_script":
		return p.SetupScript
	case "tools_md":
		return p.ToolsMd
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
