// Package eventstream is the Event Stream component: an
// append-only view over the Store's events table that supports
// in-place compaction (rewriting a body to a reference or summary
// without changing the event's semantic identity).
//
// An append-only ledger keyed by monotonically increasing event_id,
// generalized from task-lifecycle events to the full StreamEvent type
// enumeration this runtime needs.
package eventstream

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/tokenutil"
)

// CompactStrategy selects how Compact rewrites an event's body.
type CompactStrategy string

const (
	StrategyReference CompactStrategy = "reference"
	StrategySummarize CompactStrategy = "summarize"
)

// Stream is the Event Stream component, backed by a Store.
type Stream struct {
	store *store.Store
}

func New(s *store.Store) *Stream {
	return &Stream{store: s}
}

// Append assigns an id and createdAt and fills tokenCount from content
// length if the caller left it zero.
func (s *Stream) Append(ctx context.Context, e store.StreamEvent) (store.StreamEvent, error) {
	return s.store.AppendEvent(ctx, e)
}

// GetRecent returns up to limit events for agent, most recent first.
func (s *Stream) GetRecent(ctx context.Context, agent string, limit int) ([]store.StreamEvent, error) {
	return s.store.GetRecentEvents(ctx, agent, limit)
}

// GetByGoal returns every event tagged with goalID, oldest first.
func (s *Stream) GetByGoal(ctx context.Context, goalID string) ([]store.StreamEvent, error) {
	return s.store.GetEventsByGoal(ctx, goalID)
}

// GetByType returns events of type t created at or after since (RFC3339,
// empty for "all time"), oldest first.
func (s *Stream) GetByType(ctx context.Context, t string, since string) ([]store.StreamEvent, error) {
	return s.store.GetEventsByType(ctx, t, since)
}

// CompactResult reports the outcome of a Compact call.
type CompactResult struct {
	Count       int
	TokensSaved int
}

// Compact rewrites compactedTo for every event with createdAt < olderThan
// and compactedTo == "" using the given strategy. tokensSaved sums
// max(0, original - estimated(new)) across every rewritten event.
func (s *Stream) Compact(ctx context.Context, olderThan string, strategy CompactStrategy) (CompactResult, error) {
	candidates, err := s.store.EventsOlderThanUncompacted(ctx, olderThan)
	if err != nil {
		return CompactResult{}, err
	}

	var result CompactResult
	err = s.store.RunTransaction(ctx, func(ctx context.Context) error {
		for _, e := range candidates {
			newBody, err := render(e, strategy)
			if err != nil {
				return err
			}
			if err := s.store.SetEventCompactedTo(ctx, e.ID, newBody); err != nil {
				return err
			}
			original := e.TokenCount
			estimated := tokenutil.Estimate(newBody)
			saved := original - estimated
			if saved > 0 {
				result.TokensSaved += saved
			}
			result.Count++
		}
		return nil
	})
	if err != nil {
		return CompactResult{}, err
	}
	return result, nil
}

// Prune hard-deletes events strictly older than olderThan.
func (s *Stream) Prune(ctx context.Context, olderThan string) (int, error) {
	return s.store.PruneEvents(ctx, olderThan)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func render(e store.StreamEvent, strategy CompactStrategy) (string, error) {
	switch strategy {
	case StrategyReference:
		return fmt.Sprintf("ref:%s:%s:%s", shortID(e.ID), e.Type, e.CreatedAt.Format("20060102T150405")), nil
	case StrategySummarize:
		return fmt.Sprintf("summary:%s:%s", e.Type, normalizeHead(e.Content, 96)), nil
	default:
		return "", colonyerr.New("eventstream.render", colonyerr.InvalidInput, fmt.Errorf("unknown strategy %q", strategy))
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// normalizeHead collapses runs of whitespace and truncates to n runes,
// the "first-96-chars-normalized" heuristic summary body.
func normalizeHead(content string, n int) string {
	normalized := strings.TrimSpace(whitespaceRE.ReplaceAllString(content, " "))
	runes := []rune(normalized)
	if len(runes) <= n {
		return normalized
	}
	return string(runes[:n])
}
