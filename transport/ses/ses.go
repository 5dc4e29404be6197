// Package ses sends payloads through the AWS SES v2 raw email API.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/transport"
)

// SendEmailAPI is the subset of the SES v2 client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Config holds the settings for New.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// ConfigurationSet is attached to every send when set.
	ConfigurationSet string
}

// Transport sends payloads via SES.
type Transport struct {
	client           SendEmailAPI
	configurationSet string
	logger           *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New loads the AWS configuration and creates an SES transport. Static keys
// are used when both are set, otherwise the default credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ses: load aws config: %w", err)
	}

	t := NewWithClient(sesv2.NewFromConfig(awsCfg), logger)
	t.configurationSet = cfg.ConfigurationSet
	return t, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client SendEmailAPI, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{client: client, logger: logger.With("component", "transport.ses")}
}

// Name returns "ses".
func (t *Transport) Name() string { return "ses" }

// Send submits the wire form of p as a raw message. The envelope recipients
// go in Destination so that Bcc recipients receive it without a header.
func (t *Transport) Send(ctx context.Context, p *payload.Payload) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.From),
		Destination:      &types.Destination{ToAddresses: p.Recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: p.Wire()},
		},
	}
	if t.configurationSet != "" {
		input.ConfigurationSetName = aws.String(t.configurationSet)
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return classify(err)
	}
	t.logger.Debug("ses send complete",
		"message_id", p.MessageID,
		"ses_message_id", aws.ToString(out.MessageId))
	return nil
}

// permanentCodes are SES error codes that resending the same message will
// not fix.
var permanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"BadRequestException":                true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"NotFoundException":                  true,
}

func classify(err error) error {
	err = fmt.Errorf("ses send: %w", err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return transport.Permanent(err)
	}
	return err
}
