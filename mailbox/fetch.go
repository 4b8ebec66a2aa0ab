package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"holdings-sync/pkg/holdings"
)

// Fetcher downloads the secure HTML attachment of a message.
type Fetcher struct {
	service *gmail.Service
	logger  *slog.Logger
	user    string
	workDir string
	now     func() time.Time
}

// NewFetcher creates an attachment fetcher writing into workDir.
func NewFetcher(service *gmail.Service, logger *slog.Logger, user, workDir string) *Fetcher {
	if user == "" {
		user = "me"
	}
	return &Fetcher{
		service: service,
		logger:  logger,
		user:    user,
		workDir: workDir,
		now:     time.Now,
	}
}

// Fetch saves the first HTML attachment of msg and records the message's
// subject and sender on msg.
func (f *Fetcher) Fetch(ctx context.Context, msg *holdings.Message) (*holdings.Attachment, error) {
	start := time.Now()
	full, err := f.service.Users.Messages.Get(f.user, msg.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", msg.ID, err)
	}
	f.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.get",
		"message_id", msg.ID,
		"duration_ms", time.Since(start).Milliseconds())

	if full.Payload == nil {
		return nil, fmt.Errorf("%w: message %s has no payload", holdings.ErrNotFound, msg.ID)
	}
	for _, h := range full.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			msg.Sender = h.Value
		}
	}
	f.logger.Info("Message details", "message_id", msg.ID, "subject", msg.Subject, "from", msg.Sender)

	part := findHTMLPart(full.Payload)
	if part == nil {
		return nil, fmt.Errorf("%w: message %s has no HTML attachment", holdings.ErrNotFound, msg.ID)
	}
	if part.Body == nil || part.Body.AttachmentId == "" {
		return nil, fmt.Errorf("%w: attachment %q has no attachment ID", holdings.ErrNotFound, part.Filename)
	}
	f.logger.Info("HTML attachment found", "filename", part.Filename)

	start = time.Now()
	body, err := f.service.Users.Messages.Attachments.Get(f.user, msg.ID, part.Body.AttachmentId).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("download attachment %q: %w", part.Filename, err)
	}
	data, err := decodeBody(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %q: %w", part.Filename, err)
	}
	f.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.attachments.get",
		"message_id", msg.ID,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())

	if err := os.MkdirAll(f.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	path := filepath.Join(f.workDir, fmt.Sprintf("holdings_secure_%d.html", f.now().Unix()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	f.logger.Info("Attachment saved", "path", path, "bytes", len(data))
	return &holdings.Attachment{
		Path:     path,
		Filename: part.Filename,
		Size:     int64(len(data)),
	}, nil
}

// findHTMLPart returns the first part, depth first, whose filename ends in
// .html or .htm.
func findHTMLPart(part *gmail.MessagePart) *gmail.MessagePart {
	if part == nil {
		return nil
	}
	name := strings.ToLower(part.Filename)
	if strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm") {
		return part
	}
	for _, child := range part.Parts {
		if found := findHTMLPart(child); found != nil {
			return found
		}
	}
	return nil
}

// decodeBody decodes URL-safe base64 with or without padding.
func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
