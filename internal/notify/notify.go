package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/retry"
)

// TemplateKind identifies the user-facing message being sent
type TemplateKind string

const (
	TemplatePaymentReminder      TemplateKind = "payment_reminder"
	TemplateFinalWarning         TemplateKind = "final_warning"
	TemplateSubscriptionCanceled TemplateKind = "subscription_canceled"
	TemplateChallengeCode        TemplateKind = "challenge_code"
)

// Notifier is the fire-and-forget notification channel. Send failures
// are logged and swallowed; they must never roll back billing state.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind TemplateKind, payload map[string]string)
}

// Recipient resolution is owned by the surrounding application; the
// engine only knows user ids.
type RecipientDirectory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
	PhoneFor(ctx context.Context, userID string) (string, error)
}

// Contact holds one user's delivery addresses
type Contact struct {
	Email string
	Phone string
}

// StaticDirectory is a fixed user-to-contact mapping, used in
// development and tests.
type StaticDirectory map[string]Contact

// EmailFor implements RecipientDirectory
func (d StaticDirectory) EmailFor(ctx context.Context, userID string) (string, error) {
	contact, ok := d[userID]
	if !ok || contact.Email == "" {
		return "", fmt.Errorf("no email on file for user %s", userID)
	}
	return contact.Email, nil
}

// PhoneFor implements RecipientDirectory
func (d StaticDirectory) PhoneFor(ctx context.Context, userID string) (string, error) {
	contact, ok := d[userID]
	if !ok || contact.Phone == "" {
		return "", fmt.Errorf("no phone on file for user %s", userID)
	}
	return contact.Phone, nil
}

// SESClient is the subset of the SES API the notifier uses
type SESClient interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNSClient is the subset of the SNS API the notifier uses
type SNSClient interface {
	Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// AWSNotifier sends dunning notices by e-mail (SES) and challenge codes
// by SMS (SNS).
type AWSNotifier struct {
	ses       SESClient
	sns       SNSClient
	directory RecipientDirectory
	sender    string
	retryCfg  retry.Config
	logger    *zap.Logger
}

// NewAWSNotifier constructs clients from the ambient AWS configuration
func NewAWSNotifier(ctx context.Context, region, sender string, directory RecipientDirectory, logger *zap.Logger) (*AWSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSNotifier{
		ses:       ses.NewFromConfig(cfg),
		sns:       sns.NewFromConfig(cfg),
		directory: directory,
		sender:    sender,
		retryCfg:  retry.DefaultConfig(),
		logger:    logger,
	}, nil
}

// NewAWSNotifierWithClients wires explicit clients, used by tests
func NewAWSNotifierWithClients(sesClient SESClient, snsClient SNSClient, directory RecipientDirectory, sender string, logger *zap.Logger) *AWSNotifier {
	return &AWSNotifier{
		ses:       sesClient,
		sns:       snsClient,
		directory: directory,
		sender:    sender,
		retryCfg:  retry.DefaultConfig(),
		logger:    logger,
	}
}

// Notify delivers the message over the channel appropriate for the
// template kind. Challenge codes go over SMS, dunning notices by e-mail.
func (n *AWSNotifier) Notify(ctx context.Context, userID string, kind TemplateKind, payload map[string]string) {
	var err error
	if kind == TemplateChallengeCode {
		err = n.sendSMS(ctx, userID, kind, payload)
	} else {
		err = n.sendEmail(ctx, userID, kind, payload)
	}
	if err != nil {
		n.logger.Warn("Notification delivery failed",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("template", string(kind)))
	}
}

func (n *AWSNotifier) sendEmail(ctx context.Context, userID string, kind TemplateKind, payload map[string]string) error {
	address, err := n.directory.EmailFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve email for user %s: %w", userID, err)
	}

	subject, body := renderTemplate(kind, payload)

	return retry.Do(ctx, n.retryCfg, n.logger, func() error {
		_, err := n.ses.SendEmail(ctx, &ses.SendEmailInput{
			Source: aws.String(n.sender),
			Destination: &sestypes.Destination{
				ToAddresses: []string{address},
			},
			Message: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(body)},
				},
			},
		})
		return err
	})
}

func (n *AWSNotifier) sendSMS(ctx context.Context, userID string, kind TemplateKind, payload map[string]string) error {
	phone, err := n.directory.PhoneFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve phone for user %s: %w", userID, err)
	}

	_, body := renderTemplate(kind, payload)

	return retry.Do(ctx, n.retryCfg, n.logger, func() error {
		_, err := n.sns.Publish(ctx, &sns.PublishInput{
			PhoneNumber: aws.String(phone),
			Message:     aws.String(body),
		})
		return err
	})
}

func renderTemplate(kind TemplateKind, payload map[string]string) (subject, body string) {
	switch kind {
	case TemplatePaymentReminder:
		return "Payment reminder",
			fmt.Sprintf("Your subscription payment of %s is overdue. Please update your payment method.", payload["amount"])
	case TemplateFinalWarning:
		return "Final warning: subscription at risk",
			fmt.Sprintf("Your subscription payment of %s is still outstanding. It will be canceled unless payment succeeds within the grace period.", payload["amount"])
	case TemplateSubscriptionCanceled:
		return "Subscription canceled",
			"Your subscription has been canceled after repeated payment failures."
	case TemplateChallengeCode:
		return "Verification code",
			fmt.Sprintf("Your verification code is %s. It expires in 5 minutes.", payload["code"])
	default:
		data, _ := json.Marshal(payload)
		return string(kind), string(data)
	}
}

// LogNotifier only logs, used in development and as a fallback when the
// notification channel is disabled.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, userID string, kind TemplateKind, payload map[string]string) {
	data, _ := json.Marshal(payload)
	n.logger.Info("Notification (log only)",
		zap.String("user_id", userID),
		zap.String("template", string(kind)),
		zap.String("payload", string(data)))
}
