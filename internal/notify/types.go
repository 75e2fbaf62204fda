package notify

import (
	"fmt"
	"strings"
	"time"
)

// Type is the lifecycle transition (or origin) of a notification.
type Type uint8

const (
	TypeUpcoming Type = iota + 1
	TypeStarted
	TypeEndingSoon
	TypeFinished
	TypeSocial
	TypeTest
)

var typeNames = map[Type]string{
	TypeUpcoming:   "UPCOMING",
	TypeStarted:    "STARTED",
	TypeEndingSoon: "ENDING_SOON",
	TypeFinished:   "FINISHED",
	TypeSocial:     "SOCIAL",
	TypeTest:       "TEST",
}

func (t Type) Valid() bool { _, ok := typeNames[t]; return ok }

// Lifecycle reports whether t is one of the four schedule transitions.
func (t Type) Lifecycle() bool { return t >= TypeUpcoming && t <= TypeFinished }

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func ParseType(s string) (Type, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == up {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown notification type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid notification type %d", uint8(t))
	}
	return []byte(typeNames[t]), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Category classifies global notifications.
type Category uint8

const (
	CategoryEvent Category = iota + 1
	CategoryTalk
	CategoryBreak
	CategoryAnnouncement
)

var categoryNames = map[Category]string{
	CategoryEvent:        "event",
	CategoryTalk:         "talk",
	CategoryBreak:        "break",
	CategoryAnnouncement: "announcement",
}

func (c Category) Valid() bool { _, ok := categoryNames[c]; return ok }

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

func ParseCategory(s string) (Category, error) {
	low := strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == low {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid category %d", uint8(c))
	}
	return []byte(categoryNames[c]), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Outcome is the result of Enqueue and Broadcast. Callers branch on it.
type Outcome uint8

const (
	OutcomeAcceptedPersisted Outcome = iota + 1
	OutcomeAcceptedVolatile
	OutcomeDroppedDuplicate
	OutcomeDroppedCapacity
	OutcomeError
)

var outcomeNames = map[Outcome]string{
	OutcomeAcceptedPersisted: "ACCEPTED_PERSISTED",
	OutcomeAcceptedVolatile:  "ACCEPTED_VOLATILE",
	OutcomeDroppedDuplicate:  "DROPPED_DUPLICATE",
	OutcomeDroppedCapacity:   "DROPPED_CAPACITY",
	OutcomeError:             "ERROR",
}

// Outcomes lists every outcome in declaration order.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeAcceptedPersisted,
		OutcomeAcceptedVolatile,
		OutcomeDroppedDuplicate,
		OutcomeDroppedCapacity,
		OutcomeError,
	}
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Accepted reports whether the notification is now visible (durable or not).
func (o Outcome) Accepted() bool {
	return o == OutcomeAcceptedPersisted || o == OutcomeAcceptedVolatile
}

func (o Outcome) MarshalText() ([]byte, error) {
	s, ok := outcomeNames[o]
	if !ok {
		return nil, fmt.Errorf("invalid outcome %d", uint8(o))
	}
	return []byte(s), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	up := strings.ToUpper(strings.TrimSpace(string(b)))
	for v, name := range outcomeNames {
		if name == up {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(b))
}

// Notification is one per-user entry. Timestamps are epoch milliseconds.
type Notification struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	TalkID      string `json:"talk_id,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	Type        Type   `json:"type"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	CreatedAt   int64  `json:"created_at"`
	ReadAt      *int64 `json:"read_at,omitempty"`
	DismissedAt *int64 `json:"dismissed_at,omitempty"`
	DedupeKey   string `json:"dedupe_key"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"`
}

func (n Notification) Unread() bool { return n.ReadAt == nil }

func (n Notification) Dismissed() bool { return n.DismissedAt != nil }

func (n Notification) Expired(nowMs int64) bool { return n.ExpiresAt != nil && *n.ExpiresAt <= nowMs }

// GlobalNotification is one entry of the broadcast ring buffer.
type GlobalNotification struct {
	ID        string   `json:"id"`
	Type      Type     `json:"type"`
	Category  Category `json:"category"`
	EventID   string   `json:"event_id,omitempty"`
	TalkID    string   `json:"talk_id,omitempty"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	CreatedAt int64    `json:"created_at"`
	DedupeKey string   `json:"dedupe_key"`
	ExpiresAt *int64   `json:"expires_at,omitempty"`
	Test      bool     `json:"test"`
}

// activity is the id the global dedupe key is built from.
func (g GlobalNotification) activity() string {
	switch {
	case g.TalkID != "":
		return g.TalkID
	case g.EventID != "":
		return g.EventID
	default:
		return g.ID
	}
}

// DedupeMode selects how the dedupe key slot is computed.
type DedupeMode uint8

const (
	// DedupeSlot buckets free-form attempts into fixed slots of one window.
	// Lifecycle transitions are keyed without a slot in either mode.
	DedupeSlot DedupeMode = iota
	// DedupeRolling drops the slot so the last-seen check is an exact rolling window.
	DedupeRolling
)

func ParseDedupeMode(s string) (DedupeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "slot":
		return DedupeSlot, nil
	case "rolling":
		return DedupeRolling, nil
	default:
		return DedupeSlot, fmt.Errorf("unknown dedupe mode %q", s)
	}
}

func (m DedupeMode) String() string {
	if m == DedupeRolling {
		return "rolling"
	}
	return "slot"
}

// Config controls the per-user dispatcher.
type Config struct {
	Enabled       bool
	UserCap       int
	GlobalCap     int
	FlushInterval time.Duration
	RetentionDays int
	MaxQueueSize  int
	DedupeWindow  time.Duration
	DedupeMode    DedupeMode

	// DropOnQueueFull rolls back an append the lane cannot take. When false
	// the entry stays in memory and the outcome is ACCEPTED_VOLATILE.
	DropOnQueueFull bool
	// EvictOldest lets a user at cap accept by evicting the oldest entry.
	EvictOldest  bool
	MinFreeBytes uint64
}

func (c Config) withDefaults() Config {
	if c.UserCap <= 0 {
		c.UserCap = 100
	}
	if c.GlobalCap <= 0 {
		c.GlobalCap = 100_000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 256
	}
	if c.DedupeWindow < 0 {
		c.DedupeWindow = 0
	}
	return c
}

// keyWindow is the slot length used when building a dedupe key for t.
// Lifecycle transitions repeat on every tick for the whole phase, so a slot in
// their key would let each new slot through the sliding last-seen check.
func keyWindow(mode DedupeMode, t Type, window time.Duration) time.Duration {
	if mode == DedupeRolling || t.Lifecycle() {
		return 0
	}
	return window
}

// BroadcastConfig controls the global ring buffer.
type BroadcastConfig struct {
	Enabled      bool
	BufferSize   int
	DedupeWindow time.Duration
	DedupeMode   DedupeMode
	MaxQueueSize int
	MinFreeBytes uint64
}

func (c BroadcastConfig) withDefaults() BroadcastConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 200
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 256
	}
	return c
}

// Counters are monotonically increasing outcome counts.
type Counters struct {
	Enqueued  uint64 `json:"enqueued"`
	Persisted uint64 `json:"persisted"`
	Volatile  uint64 `json:"volatile"`
	Deduped   uint64 `json:"deduped"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// OutcomeEvent is the eventbus payload for accepted and rejected attempts.
type OutcomeEvent struct {
	Outcome Outcome `json:"outcome"`
	UserID  string  `json:"user_id,omitempty"`
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Key     string  `json:"key"`
	Test    bool    `json:"test,omitempty"`
}
