// Package mailbox finds the statement email in Gmail and downloads its
// secure HTML attachment.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/gmail/v1"

	"holdings-sync/pkg/holdings"
)

// Search policies.
const (
	PolicyFirst      = "first"      // Stop at the first query with results
	PolicyAccumulate = "accumulate" // Run every query and merge the results
)

// Locator searches the mailbox with an ordered list of queries.
type Locator struct {
	service    *gmail.Service
	logger     *slog.Logger
	user       string
	queries    []string
	maxResults int64
	policy     string
}

// NewLocator creates a message locator. Queries are tried in order, most
// specific first.
func NewLocator(service *gmail.Service, logger *slog.Logger, user string, queries []string, maxResults int64, policy string) *Locator {
	if user == "" {
		user = "me"
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	if policy == "" {
		policy = PolicyFirst
	}
	return &Locator{
		service:    service,
		logger:     logger,
		user:       user,
		queries:    queries,
		maxResults: maxResults,
		policy:     policy,
	}
}

// Locate returns the selected candidate message.
func (l *Locator) Locate(ctx context.Context) (*holdings.Message, error) {
	var found []string

	for i, query := range l.queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l.logger.Info("Gmail API request starting",
			"endpoint", "users.messages.list",
			"query_index", i,
			"query", query)

		start := time.Now()
		resp, err := l.service.Users.Messages.List(l.user).Q(query).MaxResults(l.maxResults).Context(ctx).Do()
		duration := time.Since(start)
		if err != nil {
			l.logger.Warn("Gmail search failed, trying next query",
				"query_index", i,
				"duration_ms", duration.Milliseconds(),
				"error", err)
			continue
		}

		l.logger.Info("Gmail API request completed",
			"endpoint", "users.messages.list",
			"query_index", i,
			"duration_ms", duration.Milliseconds(),
			"results", len(resp.Messages))

		for _, m := range resp.Messages {
			found = append(found, m.Id)
		}
		if len(resp.Messages) > 0 && l.policy == PolicyFirst {
			break
		}
	}

	ids := dedupe(found)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no message matched %d search queries", holdings.ErrNotFound, len(l.queries))
	}

	// Result order from the API is taken as newest first.
	l.logger.Debug("Selecting first candidate without date comparison", "candidates", len(ids))
	l.logger.Info("Candidate message selected", "message_id", ids[0], "candidates", len(ids))
	return &holdings.Message{ID: ids[0]}, nil
}

// dedupe removes repeated identifiers, keeping the first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
