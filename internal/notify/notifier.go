package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Notifier is the host notification facility.
type Notifier interface {
	Notify(ctx context.Context, message Message) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the message at info level.
func (n LogNotifier) Notify(_ context.Context, message Message) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info(message.Body, zap.String("title", message.Title))
	return nil
}

// MultiNotifier delivers to every notifier and joins their errors.
type MultiNotifier []Notifier

// Notify calls each notifier in order.
func (m MultiNotifier) Notify(ctx context.Context, message Message) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MailConfig configures MailNotifier.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// MailNotifier sends notifications over SMTP.
type MailNotifier struct {
	cfg MailConfig
}

// NewMailNotifier validates the configuration.
func NewMailNotifier(cfg MailConfig) (*MailNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("notify: mail host is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("notify: mail sender and recipients are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &MailNotifier{cfg: cfg}, nil
}

// Notify sends one plain-text message.
func (n *MailNotifier) Notify(ctx context.Context, message Message) error {
	msg, err := n.buildMessage(message)
	if err != nil {
		return err
	}
	options := []mail.Option{
		mail.WithPort(n.cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if n.cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password))
	}
	client, err := mail.NewClient(n.cfg.Host, options...)
	if err != nil {
		return fmt.Errorf("notify: mail client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("notify: send mail: %w", err)
	}
	return nil
}

func (n *MailNotifier) buildMessage(message Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.cfg.From); err != nil {
		return nil, fmt.Errorf("notify: mail sender: %w", err)
	}
	if err := msg.To(n.cfg.To...); err != nil {
		return nil, fmt.Errorf("notify: mail recipients: %w", err)
	}
	msg.Subject(message.Title)
	msg.SetBodyString(mail.TypeTextPlain, message.Body)
	return msg, nil
}
