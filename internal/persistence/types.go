package persistence

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusUnassigned TaskStatus = "unassigned"
	TaskStatusOffered    TaskStatus = "offered"
	TaskStatusReviewing  TaskStatus = "reviewing"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal tasks never
// change status or agent binding again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusBacklog: {
		TaskStatusUnassigned: {},
	},
	TaskStatusUnassigned: {
		TaskStatusPending: {}, // pool claim
		TaskStatusOffered: {},
		TaskStatusBacklog: {},
	},
	TaskStatusOffered: {
		TaskStatusReviewing:  {},
		TaskStatusPending:    {}, // direct accept
		TaskStatusUnassigned: {}, // reject
	},
	TaskStatusReviewing: {
		TaskStatusPending:    {}, // accept
		TaskStatusUnassigned: {}, // reject
		TaskStatusOffered:    {}, // stale review sweep
	},
	TaskStatusPending: {
		TaskStatusInProgress: {},
		TaskStatusCompleted:  {}, // worker completed without an explicit start
		TaskStatusFailed:     {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusPaused:    {},
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusPaused: {
		TaskStatusInProgress: {},
		TaskStatusFailed:     {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TaskSource identifies the ingress surface that created a task or inbox
// message.
type TaskSource string

const (
	SourceMCP       TaskSource = "mcp"
	SourceSlack     TaskSource = "slack"
	SourceAPI       TaskSource = "api"
	SourceGitHub    TaskSource = "github"
	SourceAgentMail TaskSource = "agentmail"
)

// AgentStatus is derived from in-flight tasks plus explicit transitions.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a long-running worker identity.
type Agent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	IsLead         bool     `json:"isLead"`
	Status         AgentStatus `json:"status"`
	MaxTasks       int      `json:"maxTasks"`
	EmptyPollCount int      `json:"emptyPollCount"`
	Role           string   `json:"role,omitempty"`
	Description    string   `json:"description,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	ClaudeMd       string   `json:"claudeMd,omitempty"`
	SoulMd         string   `json:"soulMd,omitempty"`
	IdentityMd     string   `json:"identityMd,omitempty"`
	SetupScript    string   `json:"setupScript,omitempty"`
	ToolsMd        string   `json:"toolsMd,omitempty"`
	CreatedAt      string   `json:"createdAt"`
	LastUpdatedAt  string   `json:"lastUpdatedAt"`
}

// Task is one unit of work routed to an agent.
type Task struct {
	ID                string     `json:"id"`
	AgentID           string     `json:"agentId,omitempty"`
	CreatorAgentID    string     `json:"creatorAgentId,omitempty"`
	Task              string     `json:"task"`
	Status            TaskStatus `json:"status"`
	Source            TaskSource `json:"source"`
	TaskType          string     `json:"taskType,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	Priority          int        `json:"priority"`
	DependsOn         []string   `json:"dependsOn,omitempty"`
	OfferedTo         string     `json:"offeredTo,omitempty"`
	OfferedAt         string     `json:"offeredAt,omitempty"`
	AcceptedAt        string     `json:"acceptedAt,omitempty"`
	RejectionReason   string     `json:"rejectionReason,omitempty"`
	SlackChannel      string     `json:"slackChannel,omitempty"`
	SlackThreadTS     string     `json:"slackThreadTs,omitempty"`
	GithubRepo        string     `json:"githubRepo,omitempty"`
	GithubIssueNumber int64      `json:"githubIssueNumber,omitempty"`
	AgentMailThreadID string     `json:"agentmailThreadId,omitempty"`
	MentionMessageID  string     `json:"mentionMessageId,omitempty"`
	MentionChannelID  string     `json:"mentionChannelId,omitempty"`
	EpicID            string     `json:"epicId,omitempty"`
	ParentTaskID      string     `json:"parentTaskId,omitempty"`
	ClaudeSessionID   string     `json:"claudeSessionId,omitempty"`
	CreatedAt         string     `json:"createdAt"`
	LastUpdatedAt     string     `json:"lastUpdatedAt"`
	FinishedAt        string     `json:"finishedAt,omitempty"`
	NotifiedAt        string     `json:"notifiedAt,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	Output            string     `json:"output,omitempty"`
	Progress          string     `json:"progress,omitempty"`
}

// AgentLogEntry is one row of the immutable event stream.
type AgentLogEntry struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	AgentID   string `json:"agentId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	OldValue  string `json:"oldValue,omitempty"`
	NewValue  string `json:"newValue,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Channel is a chat-like substrate shared by agents.
type Channel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	CreatedBy     string `json:"createdBy,omitempty"`
	CreatedAt     string `json:"createdAt"`
	LastUpdatedAt string `json:"lastUpdatedAt"`
}

// ChannelMessage carries content plus zero or more mentioned agents.
type ChannelMessage struct {
	ID              string   `json:"id"`
	ChannelID       string   `json:"channelId"`
	SenderAgentID   string   `json:"senderAgentId,omitempty"`
	Content         string   `json:"content"`
	Mentions        []string `json:"mentions,omitempty"`
	ParentMessageID string   `json:"parentMessageId,omitempty"`
	CreatedAt       string   `json:"createdAt"`
}

// ChannelReadState tracks one agent's read position in one channel.
// ProcessingSince is an advisory lock: non-null means this agent is handling
// the unread tail and other polls must skip the channel.
type ChannelReadState struct {
	AgentID         string `json:"agentId"`
	ChannelID       string `json:"channelId"`
	LastReadAt      string `json:"lastReadAt"`
	ProcessingSince string `json:"processingSince,omitempty"`
}

// InboxStatus is the lifecycle of a direct message.
type InboxStatus string

const (
	InboxStatusUnread     InboxStatus = "unread"
	InboxStatusProcessing InboxStatus = "processing"
	InboxStatusRead       InboxStatus = "read"
	InboxStatusResponded  InboxStatus = "responded"
	InboxStatusDelegated  InboxStatus = "delegated"
)

// InboxMessage is a direct, per-agent message from an external source.
type InboxMessage struct {
	ID                string      `json:"id"`
	AgentID           string      `json:"agentId"`
	Content           string      `json:"content"`
	Source            TaskSource  `json:"source"`
	Status            InboxStatus `json:"status"`
	SlackChannel      string      `json:"slackChannel,omitempty"`
	SlackThreadTS     string      `json:"slackThreadTs,omitempty"`
	AgentMailThreadID string      `json:"agentmailThreadId,omitempty"`
	DelegatedToTaskID string      `json:"delegatedToTaskId,omitempty"`
	ResponseText      string      `json:"responseText,omitempty"`
	ProcessingSince   string      `json:"processingSince,omitempty"`
	CreatedAt         string      `json:"createdAt"`
	LastUpdatedAt     string      `json:"lastUpdatedAt"`
}

// EpicStatus is the lifecycle of an epic.
type EpicStatus string

const (
	EpicStatusDraft     EpicStatus = "draft"
	EpicStatusActive    EpicStatus = "active"
	EpicStatusPaused    EpicStatus = "paused"
	EpicStatusCompleted EpicStatus = "completed"
	EpicStatusCancelled EpicStatus = "cancelled"
)

// Epic groups tasks under a named project.
type Epic struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Goal               string     `json:"goal,omitempty"`
	Status             EpicStatus `json:"status"`
	Priority           int        `json:"priority"`
	Tags               []string   `json:"tags,omitempty"`
	LeadAgentID        string     `json:"leadAgentId,omitempty"`
	ChannelID          string     `json:"channelId,omitempty"`
	ProgressNotifiedAt string     `json:"progressNotifiedAt,omitempty"`
	CreatedAt          string     `json:"createdAt"`
	LastUpdatedAt      string     `json:"lastUpdatedAt"`
	StartedAt          string     `json:"startedAt,omitempty"`
	CompletedAt        string     `json:"completedAt,omitempty"`
}

// EpicProgress is the derived progress block of an epic.
type EpicProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"inProgress"`
	Pending    int `json:"pending"`
	Unassigned int `json:"unassigned"`
	Progress   int `json:"progress"` // round(100*completed/total); 0 when empty
}

// EpicWithProgress pairs an epic with its derived stats.
type EpicWithProgress struct {
	Epic
	EpicProgress
}

// ScheduledTask materialises into AgentTasks when due. Exactly one of
// CronExpression / IntervalMs is set.
type ScheduledTask struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	CronExpression    string `json:"cronExpression,omitempty"`
	IntervalMs        int64  `json:"intervalMs,omitempty"`
	TaskTemplate      string `json:"taskTemplate"`
	TaskType          string `json:"taskType,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Priority          int    `json:"priority"`
	TargetAgentID     string `json:"targetAgentId,omitempty"`
	Enabled           bool   `json:"enabled"`
	LastRunAt         string `json:"lastRunAt,omitempty"`
	NextRunAt         string `json:"nextRunAt,omitempty"`
	Timezone          string `json:"timezone"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
	LastErrorAt       string `json:"lastErrorAt,omitempty"`
	LastErrorMessage  string `json:"lastErrorMessage,omitempty"`
	CreatedAt         string `json:"createdAt"`
	LastUpdatedAt     string `json:"lastUpdatedAt"`
}

// ActiveSession is one running worker session.
type ActiveSession struct {
	ID              string `json:"id"`
	AgentID         string `json:"agentId"`
	TaskID          string `json:"taskId,omitempty"`
	TriggerType     string `json:"triggerType"`
	InboxMessageID  string `json:"inboxMessageId,omitempty"`
	TaskDescription string `json:"taskDescription,omitempty"`
	StartedAt       string `json:"startedAt"`
	LastHeartbeatAt string `json:"lastHeartbeatAt"`
}

// SessionLogLine is one appended output line of a worker iteration.
type SessionLogLine struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agentId"`
	TaskID    string `json:"taskId,omitempty"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// SessionCost is the token/cost record of one worker iteration.
type SessionCost struct {
	ID              string  `json:"id"`
	AgentID         string  `json:"agentId"`
	TaskID          string  `json:"taskId,omitempty"`
	ClaudeSessionID string  `json:"claudeSessionId,omitempty"`
	Model           string  `json:"model,omitempty"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	TotalTokens     int64   `json:"totalTokens"`
	CostUSD         float64 `json:"costUsd"`
	DurationMs      int64   `json:"durationMs"`
	CreatedAt       string  `json:"createdAt"`
}

// ContextChangeSource labels who changed a persona field.
type ContextChangeSource string

const (
	ChangeSourceSystem       ContextChangeSource = "system"
	ChangeSourceAPI          ContextChangeSource = "api"
	ChangeSourceSelfEdit     ContextChangeSource = "self_edit"
	ChangeSourceLeadCoaching ContextChangeSource = "lead_coaching"
	ChangeSourceSessionSync  ContextChangeSource = "session_sync"
)

// ContextVersion is one append-only persona-field revision.
type ContextVersion struct {
	ID                string              `json:"id"`
	AgentID           string              `json:"agentId"`
	Field             string              `json:"field"`
	Content           string              `json:"content"`
	Version           int                 `json:"version"`
	ChangeSource      ContextChangeSource `json:"changeSource"`
	ChangedByAgentID  string              `json:"changedByAgentId,omitempty"`
	ChangeReason      string              `json:"changeReason,omitempty"`
	ContentHash       string              `json:"contentHash"`
	PreviousVersionID string              `json:"previousVersionId,omitempty"`
	CreatedAt         string              `json:"createdAt"`
}
