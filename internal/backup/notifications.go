package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"backup-orchestrator/internal/logging"

	"github.com/go-resty/resty/v2"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// EventType identifies a backup outcome worth telling someone about
type EventType string

const (
	EventSuccess   EventType = "success"
	EventFailure   EventType = "failure"
	EventExhausted EventType = "exhausted"
)

// Event is a backup outcome passed to the notifier
type Event struct {
	Type       EventType     `json:"type"`
	TenantID   string        `json:"tenant_id"`
	TenantName string        `json:"tenant_name,omitempty"`
	RecordID   string        `json:"record_id"`
	Attempt    int           `json:"attempt,omitempty"`
	SizeBytes  int64         `json:"size_bytes,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
	Time       time.Time     `json:"time"`
}

// Title is a one-line summary of the event
func (e Event) Title() string {
	name := e.TenantName
	if name == "" {
		name = e.TenantID
	}
	switch e.Type {
	case EventSuccess:
		return fmt.Sprintf("Backup succeeded for %s", name)
	case EventExhausted:
		return fmt.Sprintf("Backup gave up for %s after %d attempts", name, e.Attempt)
	default:
		return fmt.Sprintf("Backup failed for %s (attempt %d)", name, e.Attempt)
	}
}

func (e Event) color() string {
	switch e.Type {
	case EventSuccess:
		return "#36a64f"
	case EventExhausted:
		return "#ff0000"
	default:
		return "#ff9900"
	}
}

func (e Event) emoji() string {
	switch e.Type {
	case EventSuccess:
		return ":white_check_mark:"
	case EventExhausted:
		return ":rotating_light:"
	default:
		return ":warning:"
	}
}

// NotificationConfig holds configuration for notifications
type NotificationConfig struct {
	Enabled bool           `yaml:"enabled" mapstructure:"enabled"`
	Timeout time.Duration  `yaml:"timeout" mapstructure:"timeout"`
	Email   *EmailConfig   `yaml:"email,omitempty" mapstructure:"email"`
	Webhook *WebhookConfig `yaml:"webhook,omitempty" mapstructure:"webhook"`
	Slack   *SlackConfig   `yaml:"slack,omitempty" mapstructure:"slack"`
	Teams   *TeamsConfig   `yaml:"teams,omitempty" mapstructure:"teams"`
	File    *FileConfig    `yaml:"file,omitempty" mapstructure:"file"`
}

// EmailConfig for email notifications
type EmailConfig struct {
	SMTPHost string      `yaml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort int         `yaml:"smtp_port" mapstructure:"smtp_port"`
	Username string      `yaml:"username" mapstructure:"username"`
	Password string      `yaml:"password" mapstructure:"password"`
	From     string      `yaml:"from" mapstructure:"from"`
	To       []string    `yaml:"to" mapstructure:"to"`
	Events   []EventType `yaml:"events" mapstructure:"events"`
}

// WebhookConfig for generic webhook notifications
type WebhookConfig struct {
	URL        string            `yaml:"url" mapstructure:"url"`
	Method     string            `yaml:"method" mapstructure:"method"`
	Headers    map[string]string `yaml:"headers" mapstructure:"headers"`
	Attempts   int               `yaml:"attempts" mapstructure:"attempts"`
	RetryDelay time.Duration     `yaml:"retry_delay" mapstructure:"retry_delay"`
	Events     []EventType       `yaml:"events" mapstructure:"events"`
}

// SlackConfig for Slack notifications
type SlackConfig struct {
	WebhookURL string      `yaml:"webhook_url" mapstructure:"webhook_url"`
	Channel    string      `yaml:"channel" mapstructure:"channel"`
	Username   string      `yaml:"username" mapstructure:"username"`
	Events     []EventType `yaml:"events" mapstructure:"events"`
}

// TeamsConfig for Microsoft Teams notifications
type TeamsConfig struct {
	WebhookURL string      `yaml:"webhook_url" mapstructure:"webhook_url"`
	Events     []EventType `yaml:"events" mapstructure:"events"`
}

// FileConfig for file-based notifications
type FileConfig struct {
	Path   string      `yaml:"path" mapstructure:"path"`
	Format string      `yaml:"format" mapstructure:"format"` // json, text
	Events []EventType `yaml:"events" mapstructure:"events"`
}

// Channel delivers events through one medium
type Channel interface {
	Send(ctx context.Context, event Event) error
	Name() string
	Enabled() bool
}

type registeredChannel struct {
	channel Channel
	events  map[EventType]bool
}

func (rc registeredChannel) accepts(t EventType) bool {
	return len(rc.events) == 0 || rc.events[t]
}

// NotificationManager fans events out to every interested channel. Delivery
// happens in the background and never blocks the caller.
type NotificationManager struct {
	logger   *logging.Logger
	config   NotificationConfig
	metrics  *Metrics
	channels []registeredChannel

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotificationManager creates a manager with the channels named in config
func NewNotificationManager(logger *logging.Logger, config NotificationConfig, metrics *Metrics) *NotificationManager {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	nm := &NotificationManager{
		logger:  logger,
		config:  config,
		metrics: metrics,
	}

	if config.Email != nil {
		nm.AddChannel(NewEmailChannel(*config.Email), config.Email.Events...)
	}
	if config.Webhook != nil {
		nm.AddChannel(NewWebhookChannel(*config.Webhook, nil), config.Webhook.Events...)
	}
	if config.Slack != nil {
		nm.AddChannel(NewSlackChannel(*config.Slack), config.Slack.Events...)
	}
	if config.Teams != nil {
		nm.AddChannel(NewTeamsChannel(*config.Teams), config.Teams.Events...)
	}
	if config.File != nil {
		nm.AddChannel(NewFileChannel(*config.File), config.File.Events...)
	}

	return nm
}

// AddChannel registers a channel. With no event types the channel receives
// every event.
func (nm *NotificationManager) AddChannel(channel Channel, events ...EventType) {
	rc := registeredChannel{channel: channel}
	if len(events) > 0 {
		rc.events = make(map[EventType]bool, len(events))
		for _, t := range events {
			rc.events[t] = true
		}
	}
	nm.mu.Lock()
	nm.channels = append(nm.channels, rc)
	nm.mu.Unlock()
}

// Channels returns the names of registered channels
func (nm *NotificationManager) Channels() []string {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	names := make([]string, 0, len(nm.channels))
	for _, rc := range nm.channels {
		names = append(names, rc.channel.Name())
	}
	return names
}

// Notify dispatches the event to every enabled channel that wants it. Each
// send runs on its own goroutine bounded by the configured timeout; the
// caller's cancellation does not cut a delivery short.
func (nm *NotificationManager) Notify(ctx context.Context, event Event) {
	if !nm.config.Enabled {
		return
	}

	nm.mu.RLock()
	defer nm.mu.RUnlock()
	if nm.closed {
		nm.logger.WithFields(map[string]interface{}{
			"event":     string(event.Type),
			"tenant_id": event.TenantID,
		}).Warn("Notification manager closed, dropping event")
		return
	}

	base := context.WithoutCancel(ctx)
	for _, rc := range nm.channels {
		if !rc.channel.Enabled() || !rc.accepts(event.Type) {
			continue
		}
		nm.wg.Add(1)
		go nm.deliver(base, rc.channel, event)
	}
}

func (nm *NotificationManager) deliver(ctx context.Context, channel Channel, event Event) {
	defer nm.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, nm.config.Timeout)
	defer cancel()

	err := channel.Send(ctx, event)
	nm.metrics.observeNotification(channel.Name(), err)

	fields := map[string]interface{}{
		"channel":   channel.Name(),
		"event":     string(event.Type),
		"tenant_id": event.TenantID,
		"record_id": event.RecordID,
	}
	if err != nil {
		fields["error"] = err.Error()
		nm.logger.WithFields(fields).Error("Failed to send notification")
		return
	}
	nm.logger.WithFields(fields).Debug("Notification sent")
}

// Close waits for in-flight deliveries. Events arriving afterwards are dropped.
func (nm *NotificationManager) Close() {
	nm.mu.Lock()
	nm.closed = true
	nm.mu.Unlock()
	nm.wg.Wait()
}

// EmailChannel implements email notifications
type EmailChannel struct {
	config EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates a new email notification channel
func NewEmailChannel(config EmailConfig) *EmailChannel {
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	return &EmailChannel{config: config, send: smtp.SendMail}
}

// Send sends an email notification
func (ec *EmailChannel) Send(ctx context.Context, event Event) error {
	if !ec.Enabled() {
		return fmt.Errorf("email configuration incomplete")
	}

	message := ec.compose(event)

	var auth smtp.Auth
	if ec.config.Username != "" {
		auth = smtp.PlainAuth("", ec.config.Username, ec.config.Password, ec.config.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", ec.config.SMTPHost, ec.config.SMTPPort)

	// net/smtp has no context support
	done := make(chan error, 1)
	go func() {
		done <- ec.send(addr, auth, ec.config.From, ec.config.To, message)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	}
}

func (ec *EmailChannel) compose(event Event) []byte {
	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\n", event.Title())
	fmt.Fprintf(&body, "Tenant: %s\n", event.TenantID)
	fmt.Fprintf(&body, "Record: %s\n", event.RecordID)
	fmt.Fprintf(&body, "Time: %s\n", event.Time.Format(time.RFC3339))
	if event.SizeBytes > 0 {
		fmt.Fprintf(&body, "Size: %d bytes\n", event.SizeBytes)
	}
	if event.Duration > 0 {
		fmt.Fprintf(&body, "Duration: %s\n", event.Duration.Round(time.Millisecond))
	}
	if event.Error != "" {
		fmt.Fprintf(&body, "\nError:\n%s\n", event.Error)
	}

	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		ec.config.From, strings.Join(ec.config.To, ","), event.Title(), body.String()))
}

// Name returns the channel name
func (ec *EmailChannel) Name() string {
	return "email"
}

// Enabled checks if the channel is usable
func (ec *EmailChannel) Enabled() bool {
	return ec.config.SMTPHost != "" && len(ec.config.To) > 0
}

// errPermanent marks webhook responses that retrying cannot fix
var errPermanent = errors.New("permanent delivery failure")

// postJSON sends body to url, retrying transient failures
func postJSON(ctx context.Context, client *resty.Client, clk clock.Clock, method, url string,
	headers map[string]string, body interface{}, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Second
	}

	return retry.Call(retry.CallArgs{
		Func: func() error {
			resp, err := client.R().
				SetContext(ctx).
				SetHeaders(headers).
				SetHeader("Content-Type", "application/json").
				SetBody(body).
				Execute(method, url)
			if err != nil {
				return err
			}
			switch {
			case resp.StatusCode() >= 500 || resp.StatusCode() == 429:
				return fmt.Errorf("endpoint returned status %d", resp.StatusCode())
			case resp.StatusCode() >= 400:
				return fmt.Errorf("%w: endpoint returned status %d", errPermanent, resp.StatusCode())
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errPermanent) || ctx.Err() != nil
		},
		Attempts:    attempts,
		Delay:       delay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
}

func unwrapRetry(err error) error {
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}

// WebhookChannel posts the event as JSON to a URL
type WebhookChannel struct {
	config WebhookConfig
	client *resty.Client
	clock  clock.Clock
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(config WebhookConfig, clk clock.Clock) *WebhookChannel {
	if config.Method == "" {
		config.Method = resty.MethodPost
	}
	if config.Attempts == 0 {
		config.Attempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &WebhookChannel{
		config: config,
		client: resty.New(),
		clock:  clk,
	}
}

// Send sends a webhook notification
func (wc *WebhookChannel) Send(ctx context.Context, event Event) error {
	if wc.config.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	payload := map[string]interface{}{
		"title": event.Title(),
		"event": event,
	}
	if err := postJSON(ctx, wc.client, wc.clock, wc.config.Method, wc.config.URL, wc.config.Headers,
		payload, wc.config.Attempts, wc.config.RetryDelay); err != nil {
		return fmt.Errorf("failed to send webhook: %w", unwrapRetry(err))
	}
	return nil
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Enabled checks if the channel is usable
func (wc *WebhookChannel) Enabled() bool {
	return wc.config.URL != ""
}

// SlackChannel implements Slack notifications
type SlackChannel struct {
	config SlackConfig
	client *resty.Client
}

// NewSlackChannel creates a new Slack notification channel
func NewSlackChannel(config SlackConfig) *SlackChannel {
	return &SlackChannel{config: config, client: resty.New()}
}

// Send sends a Slack notification
func (sc *SlackChannel) Send(ctx context.Context, event Event) error {
	if sc.config.WebhookURL == "" {
		return fmt.Errorf("Slack webhook URL not configured")
	}

	fields := []map[string]interface{}{
		{"title": "Tenant", "value": event.TenantID, "short": true},
		{"title": "Record", "value": event.RecordID, "short": true},
	}
	if event.Error != "" {
		fields = append(fields, map[string]interface{}{"title": "Error", "value": event.Error, "short": false})
	}
	payload := map[string]interface{}{
		"text": fmt.Sprintf("%s %s", event.emoji(), event.Title()),
		"attachments": []map[string]interface{}{
			{
				"color":     event.color(),
				"title":     event.Title(),
				"timestamp": event.Time.Unix(),
				"fields":    fields,
			},
		},
	}
	if sc.config.Channel != "" {
		payload["channel"] = sc.config.Channel
	}
	if sc.config.Username != "" {
		payload["username"] = sc.config.Username
	}

	if err := postJSON(ctx, sc.client, clock.WallClock, resty.MethodPost, sc.config.WebhookURL, nil,
		payload, 1, 0); err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", unwrapRetry(err))
	}
	return nil
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

// Enabled checks if the channel is usable
func (sc *SlackChannel) Enabled() bool {
	return sc.config.WebhookURL != ""
}

// TeamsChannel implements Microsoft Teams notifications
type TeamsChannel struct {
	config TeamsConfig
	client *resty.Client
}

// NewTeamsChannel creates a new Teams notification channel
func NewTeamsChannel(config TeamsConfig) *TeamsChannel {
	return &TeamsChannel{config: config, client: resty.New()}
}

// Send sends a Teams notification
func (tc *TeamsChannel) Send(ctx context.Context, event Event) error {
	if tc.config.WebhookURL == "" {
		return fmt.Errorf("Teams webhook URL not configured")
	}

	facts := []map[string]interface{}{
		{"name": "Tenant", "value": event.TenantID},
		{"name": "Event", "value": string(event.Type)},
		{"name": "Time", "value": event.Time.Format(time.RFC3339)},
	}
	if event.Error != "" {
		facts = append(facts, map[string]interface{}{"name": "Error", "value": event.Error})
	}
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    event.Title(),
		"themeColor": strings.TrimPrefix(event.color(), "#"),
		"sections": []map[string]interface{}{
			{
				"activityTitle":    event.Title(),
				"activitySubtitle": fmt.Sprintf("Record %s", event.RecordID),
				"facts":            facts,
			},
		},
	}

	if err := postJSON(ctx, tc.client, clock.WallClock, resty.MethodPost, tc.config.WebhookURL, nil,
		payload, 1, 0); err != nil {
		return fmt.Errorf("failed to send Teams notification: %w", unwrapRetry(err))
	}
	return nil
}

// Name returns the channel name
func (tc *TeamsChannel) Name() string {
	return "teams"
}

// Enabled checks if the channel is usable
func (tc *TeamsChannel) Enabled() bool {
	return tc.config.WebhookURL != ""
}

// FileChannel appends events to a local file
type FileChannel struct {
	config FileConfig
	mu     sync.Mutex
}

// NewFileChannel creates a new file notification channel
func NewFileChannel(config FileConfig) *FileChannel {
	return &FileChannel{config: config}
}

// Send appends the event to the file
func (fc *FileChannel) Send(ctx context.Context, event Event) error {
	if fc.config.Path == "" {
		return fmt.Errorf("file path not configured")
	}

	var line string
	switch fc.config.Format {
	case "json":
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal notification to JSON: %w", err)
		}
		line = string(data) + "\n"
	default:
		line = fmt.Sprintf("[%s] %s %s: %s\n",
			event.Time.Format(time.RFC3339), event.Type, event.TenantID, event.Title())
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(fc.config.Path), 0755); err != nil {
		return fmt.Errorf("failed to create notification directory: %w", err)
	}
	file, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write notification to file: %w", err)
	}
	return nil
}

// Name returns the channel name
func (fc *FileChannel) Name() string {
	return "file"
}

// Enabled checks if the channel is usable
func (fc *FileChannel) Enabled() bool {
	return fc.config.Path != ""
}

var _ Notifier = (*NotificationManager)(nil)
