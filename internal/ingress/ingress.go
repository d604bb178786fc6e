// Package ingress normalises external events (code-hosting webhooks, chat,
// mail) into kernel task and inbox-message creations. Every adapter
// verifies authenticity, deduplicates within a 60 s window keyed by a
// stable event id, and only then calls into the store.
package ingress

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Event is the sum type of normalised ingress payloads.
type Event interface {
	// Key returns the stable dedup id of the event.
	Key() string
	// Kind names the adapter surface for logging and audit.
	Kind() string
}

// ChatEvent is a normalised chat message.
type ChatEvent struct {
	UpdateID int64
	UserID   int64
	Username string
	Text     string
}

func (e ChatEvent) Key() string  { return fmt.Sprintf("chat:%d", e.UpdateID) }
func (e ChatEvent) Kind() string { return "chat" }

// GitHubEvent is a normalised code-hosting webhook delivery.
type GitHubEvent struct {
	DeliveryID  string
	EventType   string // "issues", "issue_comment"
	Action      string
	Repo        string
	IssueNumber int64
	Title       string
	Body        string
	Sender      string
}

func (e GitHubEvent) Key() string  { return "github:" + e.DeliveryID }
func (e GitHubEvent) Kind() string { return "github" }

// MailEvent is a normalised inbound mail notification.
type MailEvent struct {
	MessageID string
	ThreadID  string
	AgentName string
	Subject   string
	Body      string
}

func (e MailEvent) Key() string  { return "mail:" + e.MessageID }
func (e MailEvent) Kind() string { return "agentmail" }

// dedupWindow is how long an event key suppresses redeliveries.
const dedupWindow = 60 * time.Second

// Deduper suppresses redelivered events within the window. Entries are
// evicted lazily by the underlying cache; losing the map on restart is safe
// because delivery is at-least-once upstream.
type Deduper struct {
	cache *gocache.Cache
}

// NewDeduper creates a Deduper with the standard 60 s window.
func NewDeduper() *Deduper {
	return &Deduper{cache: gocache.New(dedupWindow, 5*time.Minute)}
}

// Seen records the key and reports whether it was already present.
func (d *Deduper) Seen(key string) bool {
	// Add is atomic: it fails when the key already exists and is unexpired.
	return d.cache.Add(key, struct{}{}, dedupWindow) != nil
}

// RateLimiter counts events per user with a decaying window. Used by the
// chat adapter to bound per-user message floods.
type RateLimiter struct {
	cache *gocache.Cache
	max   int
}

// NewRateLimiter allows max events per user per minute.
func NewRateLimiter(max int) *RateLimiter {
	if max <= 0 {
		max = 20
	}
	return &RateLimiter{cache: gocache.New(time.Minute, 5*time.Minute), max: max}
}

// Allow increments the user's counter and reports whether it is within the
// limit. The counter expires a minute after the first event.
func (r *RateLimiter) Allow(userKey string) bool {
	if err := r.cache.Add(userKey, 1, time.Minute); err == nil {
		return true
	}
	n, err := r.cache.IncrementInt(userKey, 1)
	if err != nil {
		// Entry expired between Add and Increment; start a fresh window.
		r.cache.Set(userKey, 1, time.Minute)
		return true
	}
	return n <= r.max
}
