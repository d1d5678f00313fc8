package tokenvault

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType identifies what happened.
type EventType string

const (
	// lifecycle events
	EventCreated   EventType = "created"
	EventValidated EventType = "validated"
	EventRotated   EventType = "rotated"
	EventRevoked   EventType = "revoked"
	EventRenewed   EventType = "renewed"
	EventCleanup   EventType = "cleanup"
	EventWarning   EventType = "warning"

	// key events
	EventKeyGenerated EventType = "key_generated"
	EventKeyRotated   EventType = "key_rotated"
	EventKeyRevoked   EventType = "key_revoked"
	EventKeyDeleted   EventType = "key_deleted"

	// orchestrator events
	EventInitialized            EventType = "initialized"
	EventIntegrityVerified      EventType = "integrity_verified"
	EventBackupCompleted        EventType = "backup_completed"
	EventBackupRestored         EventType = "backup_restored"
	EventCleanupCompleted       EventType = "cleanup_completed"
	EventSecurityBreachDetected EventType = "security_breach_detected"
	EventError                  EventType = "error"
)

// Warning codes carried by EventWarning.
const (
	WarningRotationRecommended = "rotation_recommended"
	WarningUsageNotPersisted   = "usage_not_persisted"
)

// Event is a single notification. Payload holds one of the *Payload structs
// below, selected by Type.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	TokenID   string    `json:"token_id,omitempty"`
	KeyID     string    `json:"key_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

type CreatedPayload struct {
	KeyVersion int       `json:"key_version"`
	ExpiresAt  time.Time `json:"expires_at"`
	Tags       []string  `json:"tags,omitempty"`
	Bound      bool      `json:"bound"`
}

type ValidatedPayload struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
}

type RotatedPayload struct {
	OldTokenID    string `json:"old_token_id"`
	NewTokenID    string `json:"new_token_id"`
	Reason        string `json:"reason"`
	RotationCount int    `json:"rotation_count"`
}

type RevokedPayload struct {
	Reason string `json:"reason"`
}

type RenewedPayload struct {
	PreviousExpiresAt time.Time `json:"previous_expires_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type CleanupPayload struct {
	Removed    int      `json:"removed"`
	RemovedIDs []string `json:"removed_ids,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

type WarningPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type KeyPayload struct {
	Version     int    `json:"version"`
	DerivedFrom string `json:"derived_from,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type InitializedPayload struct {
	ActiveKeyID      string   `json:"active_key_id"`
	GeneratedKey     bool     `json:"generated_key"`
	Tokens           int      `json:"tokens"`
	MemoryProtection string   `json:"memory_protection"`
	Schedules        []string `json:"schedules,omitempty"`
}

type IntegrityVerifiedPayload struct {
	Passed              bool `json:"passed"`
	TokensVerified      int  `json:"tokens_verified"`
	Failures            int  `json:"failures"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

type BackupCompletedPayload struct {
	BackupID string `json:"backup_id"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
	Mirrored bool   `json:"mirrored"`
	Pruned   int    `json:"pruned"`
}

type BackupRestoredPayload struct {
	BackupID      string `json:"backup_id"`
	ActiveKeyID   string `json:"active_key_id"`
	Keys          int    `json:"keys"`
	Tokens        int    `json:"tokens"`
	KeysRemoved   int    `json:"keys_removed"`
	TokensRemoved int    `json:"tokens_removed"`
}

type CleanupCompletedPayload struct {
	Removed int `json:"removed"`
	Errors  int `json:"errors"`
}

type BreachPayload struct {
	ConsecutiveFailures int      `json:"consecutive_failures"`
	Threshold           int      `json:"threshold"`
	Actions             []string `json:"actions"`
	ActionErrors        []string `json:"action_errors,omitempty"`
}

type ErrorPayload struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// EventHandler receives published events synchronously on the publishing goroutine.
type EventHandler func(Event)

// EventBus fans events out to subscribers. Handlers must not block; use
// SubscribeChan for asynchronous consumption.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[uint64]EventHandler
	nextID   uint64
	log      *zap.Logger
	now      func() time.Time
}

func NewEventBus(opts ...Option) *EventBus {
	s := applyOptions(opts)
	return &EventBus{
		handlers: make(map[uint64]EventHandler),
		log:      s.logger.With(zap.String("module", "events")),
		now:      s.now,
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *EventBus) Subscribe(h EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// SubscribeChan delivers events on a buffered channel. When the buffer is full
// the event is dropped for this subscriber and a warning is logged. The channel
// is closed by the returned unsubscribe function.
func (b *EventBus) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.log.Warn("event dropped, subscriber channel full",
				zap.String("type", string(e.Type)), zap.String("event_id", e.ID))
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish stamps e with an id and timestamp when missing and hands it to every subscriber.
func (b *EventBus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, e)
	}
}

func (b *EventBus) dispatch(h EventHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", zap.String("type", string(e.Type)), zap.Any("panic", r))
		}
	}()
	h(e)
}
