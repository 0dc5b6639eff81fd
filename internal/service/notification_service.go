package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/mail"
)

// MailRenderer renders token-bearing account emails.
type MailRenderer interface {
	PasswordReset(data mail.TokenMail) (mail.Message, error)
	EmailVerification(data mail.TokenMail) (mail.Message, error)
}

// MailEnqueuer hands messages to background delivery.
type MailEnqueuer interface {
	Enqueue(msg mail.Message) error
}

// NotificationService turns account events into emails.
type NotificationService struct {
	dispatcher events.Dispatcher
	templates  MailRenderer
	queue      MailEnqueuer
	logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, templates MailRenderer, queue MailEnqueuer, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		templates:  templates,
		queue:      queue,
		logger:     logger,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventPasswordResetRequested, n.handlePasswordResetRequested)
	n.dispatcher.Subscribe(events.EventEmailVerificationRequested, n.handleEmailVerificationRequested)
	n.dispatcher.Subscribe(events.EventUserRegistered, n.logEvent)
	n.dispatcher.Subscribe(events.EventEmailVerified, n.logEvent)
	n.dispatcher.Subscribe(events.EventPasswordChanged, n.logEvent)
}

func (n *NotificationService) handlePasswordResetRequested(_ context.Context, event events.Event) error {
	payload, err := tokenPayload(event)
	if err != nil {
		return err
	}
	msg, err := n.templates.PasswordReset(payload)
	if err != nil {
		return err
	}
	return n.enqueue(event, msg)
}

func (n *NotificationService) handleEmailVerificationRequested(_ context.Context, event events.Event) error {
	payload, err := tokenPayload(event)
	if err != nil {
		return err
	}
	msg, err := n.templates.EmailVerification(payload)
	if err != nil {
		return err
	}
	return n.enqueue(event, msg)
}

func (n *NotificationService) logEvent(_ context.Context, event events.Event) error {
	n.logger.Info(string(event.Type), zap.String("event_id", event.ID), zap.String("user_id", event.UserID))
	return nil
}

func (n *NotificationService) enqueue(event events.Event, msg mail.Message) error {
	if err := n.queue.Enqueue(msg); err != nil {
		return fmt.Errorf("enqueue %s mail: %w", event.Type, err)
	}
	n.logger.Debug("mail enqueued",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("user_id", event.UserID))
	return nil
}

func tokenPayload(event events.Event) (mail.TokenMail, error) {
	payload, ok := event.Payload.(events.AccountTokenPayload)
	if !ok {
		return mail.TokenMail{}, fmt.Errorf("%s: unexpected payload %T", event.Type, event.Payload)
	}
	return mail.TokenMail{
		Email:     payload.Email,
		Name:      payload.Name,
		Token:     payload.Token,
		ExpiresAt: payload.ExpiresAt,
	}, nil
}
