// Package alert posts a Slack notification when a provider's cooldown
// has been running longer than a configured threshold, grounded on
// wisbric-nightowl's pkg/slack.Notifier (noop when disabled, one
// outbound call per notable event) but targeting an incoming webhook
// instead of a bot token, since this gateway has no Slack app identity
// to authenticate as.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

// Notifier posts provider-cooldown alerts to a Slack incoming webhook.
// A Notifier with an empty webhook URL is a no-op.
type Notifier struct {
	webhookURL string
	threshold  time.Duration

	mu     sync.Mutex
	firing map[string]bool
}

// New returns a Notifier that fires when a provider's cooldown exceeds
// threshold. webhookURL empty disables alerting entirely.
func New(webhookURL string, threshold time.Duration) *Notifier {
	return &Notifier{webhookURL: webhookURL, threshold: threshold, firing: make(map[string]bool)}
}

// Enabled reports whether this Notifier will actually post to Slack.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Observe reports the current cooldown remaining for provider. It posts a
// "firing" alert the first time remaining crosses the threshold, and a
// "resolved" alert the first time it reports no longer cooling after
// having fired, deduplicating repeated observations in between.
func (n *Notifier) Observe(provider string, cooling bool, remaining time.Duration) {
	if !n.Enabled() {
		return
	}
	n.mu.Lock()
	wasFiring := n.firing[provider]
	shouldFire := cooling && remaining >= n.threshold
	n.firing[provider] = shouldFire
	n.mu.Unlock()

	switch {
	case shouldFire && !wasFiring:
		n.post(fmt.Sprintf(":rotating_light: provider *%s* has been cooling for %s (threshold %s)", provider, remaining.Round(time.Second), n.threshold), "danger")
	case !shouldFire && wasFiring:
		n.post(fmt.Sprintf(":white_check_mark: provider *%s* cooldown has cleared", provider), "good")
	}
}

func (n *Notifier) post(text, color string) {
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{Color: color, Text: text}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		logrus.Warnf("[alert] slack webhook post failed: %v", err)
	}
}
