package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"healthsurveil/db"
)

const defaultTemplate = `[{{.Severity}}] {{.Type}} at {{.Location}}: {{.Message}} ({{.Timestamp.Format "2006-01-02 15:04:05"}})`

var severityRank = map[string]int{"low": 0, "medium": 1, "high": 2}

// Channel is one outbound webhook.
type Channel struct {
	Name        string
	URL         string
	MinSeverity string
	Cooldown    time.Duration
	MaxPerHour  int
	Template    string
}

// WebhookPayload is the JSON body posted to a webhook.
type WebhookPayload struct {
	Channel string   `json:"channel"`
	Text    string   `json:"text"`
	Alert   db.Alert `json:"alert"`
}

type channel struct {
	Channel
	tmpl *template.Template

	hourStart time.Time
	hourCount int
	lastSent  time.Time
}

// Notifier posts alerts to webhooks with severity filters and rate limits.
type Notifier struct {
	client   *http.Client
	channels []*channel
	queue    chan db.Alert
	logger   *zap.Logger
	now      func() time.Time
	attempts uint
	delay    time.Duration

	mu sync.Mutex
}

// NewNotifier validates the channels and parses their templates.
func NewNotifier(channels []Channel, logger *zap.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan db.Alert, 64),
		logger:   logger,
		now:      time.Now,
		attempts: 3,
		delay:    time.Second,
	}
	for _, c := range channels {
		if c.Name == "" {
			c.Name = c.URL
		}
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("channel %s: invalid url %q", c.Name, c.URL)
		}
		if c.MinSeverity == "" {
			c.MinSeverity = "low"
		}
		if _, ok := severityRank[c.MinSeverity]; !ok {
			return nil, fmt.Errorf("channel %s: unknown severity %q", c.Name, c.MinSeverity)
		}
		text := c.Template
		if text == "" {
			text = defaultTemplate
		}
		tmpl, err := template.New(c.Name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", c.Name, err)
		}
		n.channels = append(n.channels, &channel{Channel: c, tmpl: tmpl})
	}
	return n, nil
}

// Notify queues an alert and drops it when the queue is full. It can be used as a Sweeper callback.
func (n *Notifier) Notify(alert db.Alert) {
	if len(n.channels) == 0 {
		return
	}
	select {
	case n.queue <- alert:
	default:
		n.logger.Warn("notification queue full, alert dropped", zap.String("alert_id", alert.ID))
	}
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case alert := <-n.queue:
			if err := n.Deliver(ctx, alert); err != nil && ctx.Err() == nil {
				n.logger.Error("alert delivery failed", zap.String("alert_id", alert.ID), zap.Error(err))
			}
		}
	}
}

// Deliver posts alert to every matching channel.
func (n *Notifier) Deliver(ctx context.Context, alert db.Alert) error {
	var errs []error
	for _, c := range n.channels {
		if !n.allow(c, alert) {
			continue
		}
		var text strings.Builder
		if err := c.tmpl.Execute(&text, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: render: %w", c.Name, err))
			continue
		}
		payload := WebhookPayload{Channel: c.Name, Text: text.String(), Alert: alert}
		if err := n.post(ctx, c, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		n.logger.Info("alert delivered", zap.String("channel", c.Name), zap.String("alert_id", alert.ID))
	}
	return errors.Join(errs...)
}

// allow applies the severity filter and rate limits, counting the send when it passes.
func (n *Notifier) allow(c *channel, alert db.Alert) bool {
	if severityRank[alert.Severity] < severityRank[c.MinSeverity] {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now.Sub(c.hourStart) >= time.Hour {
		c.hourStart = now
		c.hourCount = 0
	}
	if c.MaxPerHour > 0 && c.hourCount >= c.MaxPerHour {
		n.logger.Debug("channel rate limited", zap.String("channel", c.Name))
		return false
	}
	if c.Cooldown > 0 && !c.lastSent.IsZero() && now.Sub(c.lastSent) < c.Cooldown {
		n.logger.Debug("channel cooling down", zap.String("channel", c.Name))
		return false
	}
	c.hourCount++
	c.lastSent = now
	return true
}

func (n *Notifier) post(ctx context.Context, c *channel, payload WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		default:
			return retry.Unrecoverable(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		}
	},
		retry.Context(ctx),
		retry.Attempts(n.attempts),
		retry.Delay(n.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
