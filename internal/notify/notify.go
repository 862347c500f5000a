// Package notify turns crawl alerts into JSON events on a publisher topic.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

// EnvelopeVersion is bumped when the event layout changes incompatibly.
const EnvelopeVersion = 1

// Envelope is the message body published for each alert.
type Envelope struct {
	Version int           `json:"version"`
	Type    string        `json:"type"`
	Title   string        `json:"title"`
	Text    string        `json:"text"`
	Alert   crawler.Alert `json:"alert"`
}

// Notifier implements crawler.Notifier over a Publisher.
type Notifier struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// New builds a Notifier that publishes to topic.
func New(pub crawler.Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, logger: logger}
}

// Notify publishes alert. Failures are logged and returned; callers treat
// them as non-fatal.
func (n *Notifier) Notify(ctx context.Context, alert crawler.Alert) error {
	if n == nil || n.pub == nil {
		return nil
	}
	env := Build(alert)
	id, err := n.pub.Publish(ctx, n.topic, env)
	if err != nil {
		n.logger.Warn("alert publish failed",
			zap.String("kind", string(alert.Kind)),
			zap.String("url", alert.URL),
			zap.Error(err),
		)
		return fmt.Errorf("notify %s: %w", alert.Kind, err)
	}
	n.logger.Debug("alert published", zap.String("kind", string(alert.Kind)), zap.String("message_id", id))
	return nil
}

// Build renders the envelope for alert.
func Build(alert crawler.Alert) Envelope {
	env := Envelope{Version: EnvelopeVersion, Type: string(alert.Kind), Alert: alert}
	switch alert.Kind {
	case crawler.AlertNewPage:
		env.Title = "New Page"
		env.Text = "New page detected: " + alert.URL
	case crawler.AlertChangedPage:
		env.Title = "Changed Page"
		env.Text = "Website changes detected: " + alert.URL
		if alert.Details != nil && alert.Details.Summary != "" {
			env.Text += " (" + alert.Details.Summary + ")"
		}
	case crawler.AlertDeletedPage:
		env.Title = "Deleted Page"
		env.Text = fmt.Sprintf("Deleted page detected: %s (status %d)", alert.URL, alert.StatusCode)
		if alert.LastSuccessAt != nil {
			env.Text += ", last successful access " + alert.LastSuccessAt.Format("2006-01-02 15:04:05")
		}
	default:
		env.Title = "Crawler Error"
		parts := []string{"Error: " + alert.Message}
		if alert.URL != "" {
			parts = append(parts, "Page: "+alert.URL)
		}
		env.Text = strings.Join(parts, "; ")
	}
	return env
}
