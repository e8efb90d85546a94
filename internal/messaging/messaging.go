// Package messaging is the Messaging component: typed
// envelope send/receive with priority ordering, bounded-retry outbound
// delivery, and an inbox claim/dispatch protocol.
//
// Generalized from a single in-process agent mailbox to the
// envelope/transport/inbox triad this runtime needs.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/eventstream"
	"github.com/colonyrt/runtime/internal/store"
)

// EnvelopeType is one of the normative message types.
type EnvelopeType string

const (
	TaskAssignment  EnvelopeType = "task_assignment"
	TaskResult      EnvelopeType = "task_result"
	StatusReport    EnvelopeType = "status_report"
	ResourceRequest EnvelopeType = "resource_request"
	KnowledgeShare  EnvelopeType = "knowledge_share"
	CustomerRequest EnvelopeType = "customer_request"
	Alert           EnvelopeType = "alert"
	ShutdownRequest EnvelopeType = "shutdown_request"
	PeerQuery       EnvelopeType = "peer_query"
	PeerResponse    EnvelopeType = "peer_response"
)

func validEnvelopeType(t EnvelopeType) bool {
	switch t {
	case TaskAssignment, TaskResult, StatusReport, ResourceRequest, KnowledgeShare,
		CustomerRequest, Alert, ShutdownRequest, PeerQuery, PeerResponse:
		return true
	default:
		return false
	}
}

// Priority is one of the four envelope priority levels, highest first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank returns the sort weight for a priority, lower sorts first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

func validPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Envelope is one typed message passed between agents.
type Envelope struct {
	ID               string       `json:"id"`
	Type             EnvelopeType `json:"type"`
	From             string       `json:"from"`
	To               string       `json:"to"`
	GoalID           string       `json:"goalId,omitempty"`
	TaskID           string       `json:"taskId,omitempty"`
	Content          string       `json:"content"`
	Priority         Priority     `json:"priority"`
	RequiresResponse bool         `json:"requiresResponse"`
	ExpiresAt        *time.Time   `json:"expiresAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// wireEnvelope is the outbound transport wrapper.
type wireEnvelope struct {
	Protocol string   `json:"protocol"`
	SentAt   string   `json:"sentAt"`
	Message  Envelope `json:"message"`
}

const wireProtocol = "colony_message_v1"

// Transport delivers a serialized envelope to an address. Implementations
// bind to a concrete channel (websocket peer, Telegram chat, in-process
// queue); the messenger only knows "send bytes to this address".
type Transport interface {
	Send(ctx context.Context, to string, payload []byte) error
}

// Messenger is the Messaging component, backed by a Store, an event
// stream for action-logging, and an outbound Transport.
type Messenger struct {
	store     *store.Store
	events    *eventstream.Stream
	transport Transport

	maxAttempts int
}

func New(s *store.Store, events *eventstream.Stream, transport Transport) *Messenger {
	return &Messenger{store: s, events: events, transport: transport, maxAttempts: 3}
}

// Send validates, wraps, and delivers msg with bounded exponential
// backoff. On ultimate failure it raises SEND_EXHAUSTED. Every successful
// delivery appends a message_sent action event.
func (m *Messenger) Send(ctx context.Context, msg Envelope) error {
	if err := validateOutbound(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	wire := wireEnvelope{Protocol: wireProtocol, SentAt: time.Now().UTC().Format(time.RFC3339Nano), Message: msg}
	payload, err := json.Marshal(wire)
	if err != nil {
		return colonyerr.New("messaging.Send", colonyerr.InvalidInput, err)
	}

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return colonyerr.New("messaging.Send", colonyerr.Aborted, err)
			}
		}
		lastErr = m.transport.Send(ctx, msg.To, payload)
		if lastErr == nil {
			_, err := m.events.Append(ctx, store.StreamEvent{
				Type:         store.EventAction,
				AgentAddress: msg.From,
				GoalID:       msg.GoalID,
				TaskID:       msg.TaskID,
				Content:      fmt.Sprintf("message_sent: %s -> %s (%s)", msg.From, msg.To, msg.Type),
			})
			return err
		}
		slog.Warn("messaging: send attempt failed", "to", msg.To, "attempt", attempt+1, "error", lastErr)
	}

	return colonyerr.New("messaging.Send", colonyerr.SendExhausted,
		fmt.Errorf("delivery to %s failed after %d attempts: %w", msg.To, m.maxAttempts, lastErr))
}

func validateOutbound(msg Envelope) error {
	if !validEnvelopeType(msg.Type) {
		return colonyerr.New("messaging.Send", colonyerr.InvalidInput, fmt.Errorf("unknown envelope type %q", msg.Type))
	}
	if msg.From == "" || msg.To == "" {
		return colonyerr.New("messaging.Send", colonyerr.InvalidInput, fmt.Errorf("from and to are required"))
	}
	if msg.Content == "" {
		return colonyerr.New("messaging.Send", colonyerr.InvalidInput, fmt.Errorf("content is required"))
	}
	if !validPriority(msg.Priority) {
		return colonyerr.New("messaging.Send", colonyerr.InvalidInput, fmt.Errorf("unknown priority %q", msg.Priority))
	}
	return nil
}

func sleepBackoff(ctx context.Context, attempt int) error {
	base := 100 * time.Millisecond
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > 2*time.Second {
		delay = 2 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(delay) / 2))
	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver enqueues an inbound envelope into the inbox, the entry point a
// transport binding calls when it receives bytes addressed to a local
// agent.
func (m *Messenger) Deliver(ctx context.Context, to string, payload []byte) error {
	var wire wireEnvelope
	from := ""
	content := string(payload)
	if err := json.Unmarshal(payload, &wire); err == nil && wire.Message.From != "" {
		from = wire.Message.From
	}
	_, err := m.store.EnqueueInbox(ctx, store.InboxMessage{From: from, To: to, Content: content})
	return err
}

// Handler processes one claimed, validated envelope.
type Handler func(ctx context.Context, env Envelope) error

// ProcessInbox claims up to n inbox messages, parses and validates each
// as a wireEnvelope, sorts the survivors by (priority, createdAt), and
// dispatches each to the handler registered for its type. A handler
// failure is logged but the message is still resolved as processed,
// redelivery is the caller's responsibility via an explicit requeue, not
// automatic retry.
func (m *Messenger) ProcessInbox(ctx context.Context, n int, handlers map[EnvelopeType]Handler) (int, error) {
	claimed, err := m.store.ClaimInboxMessages(ctx, n)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	type parsed struct {
		raw store.InboxMessage
		env Envelope
		ok  bool
	}
	items := make([]parsed, 0, len(claimed))
	now := time.Now().UTC()
	for _, raw := range claimed {
		var wire wireEnvelope
		if err := json.Unmarshal([]byte(raw.Content), &wire); err != nil {
			slog.Warn("messaging: inbox message is not valid JSON", "id", raw.ID, "error", err)
			items = append(items, parsed{raw: raw, ok: false})
			continue
		}
		env := wire.Message
		switch {
		case !validEnvelopeType(env.Type):
			slog.Warn("messaging: inbox message has unknown type", "id", raw.ID, "type", env.Type)
			items = append(items, parsed{raw: raw, ok: false})
		case !validPriority(env.Priority):
			slog.Warn("messaging: inbox message has invalid priority", "id", raw.ID, "priority", env.Priority)
			items = append(items, parsed{raw: raw, ok: false})
		case env.ExpiresAt != nil && env.ExpiresAt.Before(now):
			slog.Warn("messaging: inbox message expired before processing", "id", raw.ID, "expiresAt", env.ExpiresAt)
			items = append(items, parsed{raw: raw, ok: false})
		default:
			items = append(items, parsed{raw: raw, env: env, ok: true})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].ok || !items[j].ok {
			return false
		}
		if items[i].env.Priority.rank() != items[j].env.Priority.rank() {
			return items[i].env.Priority.rank() < items[j].env.Priority.rank()
		}
		return items[i].env.CreatedAt.Before(items[j].env.CreatedAt)
	})

	processed := 0
	for _, it := range items {
		if !it.ok {
			if err := m.store.ResolveInbox(ctx, it.raw.ID, true); err != nil {
				slog.Error("messaging: failed to resolve invalid inbox message", "id", it.raw.ID, "error", err)
			}
			continue
		}
		handler, registered := handlers[it.env.Type]
		if registered {
			if err := handler(ctx, it.env); err != nil {
				slog.Error("messaging: handler failed", "id", it.raw.ID, "type", it.env.Type, "error", err)
			}
		} else {
			slog.Warn("messaging: no handler registered for envelope type", "type", it.env.Type)
		}
		if err := m.store.ResolveInbox(ctx, it.raw.ID, true); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}
