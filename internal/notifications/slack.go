package notifications

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Harvey-AU/docpipe/internal/monitor"
	"github.com/Harvey-AU/docpipe/internal/resilience"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// Type identifies the kind of alert.
type Type string

const (
	TypeCriticalFailure Type = "critical_failure"
	TypeBreakerTrip     Type = "breaker_trip"
	TypeResourceAlert   Type = "resource_alert"
)

// Notification is a single alert ready for delivery.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Data      map[string]string
	CreatedAt time.Time
}

// DeliveryChannel defines the interface for notification delivery
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// Service fans alerts out to delivery channels. Resource alerts are throttled
// per resource so a saturated pool does not flood the channel.
type Service struct {
	channels []DeliveryChannel

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
}

// NewService creates a notification service
func NewService(channels ...DeliveryChannel) *Service {
	return &Service{
		channels: channels,
		limiters: make(map[string]*rate.Limiter),
		every:    5 * time.Minute,
	}
}

// AddChannel adds a delivery channel to the service
func (s *Service) AddChannel(ch DeliveryChannel) {
	s.channels = append(s.channels, ch)
}

// JobFailure describes a job that was stopped by a critical error.
type JobFailure struct {
	JobID         string
	DocumentID    string
	Stage         string
	Status        string
	CorrelationID string
	Err           error
}

// NotifyCriticalFailure alerts on a job aborted by a critical error.
func (s *Service) NotifyCriticalFailure(ctx context.Context, f JobFailure) {
	msg := "unknown error"
	if f.Err != nil {
		msg = f.Err.Error()
	}
	s.send(ctx, &Notification{
		Type:    TypeCriticalFailure,
		Title:   fmt.Sprintf("Document job %s stopped at %s", f.JobID, f.Stage),
		Message: msg,
		Data: map[string]string{
			"job_id":         f.JobID,
			"document_id":    f.DocumentID,
			"status":         f.Status,
			"correlation_id": f.CorrelationID,
		},
	})
}

// NotifyBreakerTrip alerts when the worker circuit breaker opens.
func (s *Service) NotifyBreakerTrip(ctx context.Context, workerID string, st resilience.BreakerState) {
	s.send(ctx, &Notification{
		Type:    TypeBreakerTrip,
		Title:   fmt.Sprintf("Worker %s paused: circuit breaker open", workerID),
		Message: fmt.Sprintf("%d consecutive failures", st.FailureCount),
		Data: map[string]string{
			"worker_id":         workerID,
			"last_failure_time": st.LastFailureTime.UTC().Format(time.RFC3339),
		},
	})
}

// ResourceAlert implements monitor.AlertSink.
func (s *Service) ResourceAlert(ctx context.Context, a monitor.Alert) {
	if !s.allow(a.Kind + "/" + a.Resource) {
		return
	}
	s.send(ctx, &Notification{
		Type:    TypeResourceAlert,
		Title:   fmt.Sprintf("Resource usage high: %s", a.Resource),
		Message: a.String(),
		Data:    map[string]string{"resource": a.Resource, "kind": a.Kind},
	})
}

var _ monitor.AlertSink = (*Service)(nil)

func (s *Service) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.every), 1)
		s.limiters[key] = l
	}
	return l.Allow()
}

func (s *Service) send(ctx context.Context, n *Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			log.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("type", string(n.Type)).
				Msg("Failed to deliver notification")
			continue
		}
		log.Info().
			Str("channel", ch.Name()).
			Str("type", string(n.Type)).
			Msg("Notification delivered")
	}
}

// SlackChannel delivers notifications to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
}

// NewSlackChannel creates a new Slack delivery channel
func NewSlackChannel(webhookURL string) (*SlackChannel, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL is required")
	}
	return &SlackChannel{webhookURL: webhookURL}, nil
}

// Name returns the channel name
func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver sends a notification to Slack
func (c *SlackChannel) Deliver(ctx context.Context, n *Notification) error {
	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("%s: %s", n.Title, n.Message),
		Blocks: &slack.Blocks{BlockSet: buildMessageBlocks(n)},
	}
	if err := slack.PostWebhookContext(ctx, c.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}
	return nil
}

func buildMessageBlocks(n *Notification) []slack.Block {
	var emoji string
	switch n.Type {
	case TypeCriticalFailure:
		emoji = ":x:"
	case TypeBreakerTrip:
		emoji = ":rotating_light:"
	default:
		emoji = ":warning:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *%s*", emoji, n.Title), false, false),
			nil,
			nil,
		),
	}

	if n.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", n.Message, false, false),
			nil,
			nil,
		))
	}

	if len(n.Data) > 0 {
		keys := make([]string, 0, len(n.Data))
		for k := range n.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fields := make([]*slack.TextBlockObject, 0, len(keys))
		for _, k := range keys {
			if n.Data[k] == "" {
				continue
			}
			fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*\n%s", k, n.Data[k]), false, false))
		}
		if len(fields) > 0 {
			blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
		}
	}

	return blocks
}
