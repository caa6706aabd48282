// Package notify posts terminal-status session notifications to Slack.
// Notifications are strictly fail-open: an unset token disables them and
// delivery errors are logged, never returned.
package notify

import (
	"context"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/osprey-sec/osprey/pkg/models"
)

// Notifier delivers session notifications to one channel.
// Nil-safe: all methods are no-ops on a nil receiver.
type Notifier struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// New returns a Notifier, or nil when token or channel is empty.
func New(token, channel string) *Notifier {
	if token == "" || channel == "" {
		return nil
	}
	return &Notifier{
		api:     goslack.New(token),
		channel: channel,
		logger:  slog.Default().With("component", "notify"),
	}
}

// NewWithAPIURL targets a custom Slack API URL. Tests point it at a mock
// server.
func NewWithAPIURL(token, channel, apiURL string) *Notifier {
	n := New(token, channel)
	if n == nil {
		return nil
	}
	n.api = goslack.New(token, goslack.OptionAPIURL(apiURL))
	return n
}

// SessionDone posts the terminal notification for a session. Non-terminal
// statuses are ignored, so callers can invoke it unconditionally once a
// command settles.
func (n *Notifier) SessionDone(ctx context.Context, sess *models.Session) {
	if n == nil || sess == nil {
		return
	}
	switch sess.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusInterrupted:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	blocks := BuildSessionMessage(sess)
	_, _, err := n.api.PostMessageContext(ctx, n.channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		n.logger.Error("Failed to send session notification",
			"session_id", sess.ID,
			"status", string(sess.Status),
			"error", err)
		return
	}
	n.logger.Info("Posted session notification",
		"session_id", sess.ID, "status", string(sess.Status))
}
