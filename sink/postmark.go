package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mrz1836/postmark"
)

// PostmarkConfig holds the e-mail alert settings.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	To           []string
	// Tag is attached to every message for filtering in Postmark (default "abuse-alert").
	Tag string
	// BaseURL overrides the Postmark API endpoint.
	BaseURL string
}

// Postmark e-mails alerts through the Postmark transactional API.
type Postmark struct {
	client *postmark.Client
	cfg    PostmarkConfig
}

// NewPostmark validates cfg and creates the sink.
func NewPostmark(cfg PostmarkConfig) (*Postmark, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("postmark: server token is required")
	}
	if cfg.From == "" {
		return nil, errors.New("postmark: sender address is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("postmark: at least one recipient is required")
	}
	if cfg.Tag == "" {
		cfg.Tag = "abuse-alert"
	}

	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &Postmark{client: client, cfg: cfg}, nil
}

// Notify sends one plain-text e-mail to all recipients.
func (p *Postmark) Notify(ctx context.Context, subject, body string) error {
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.cfg.From,
		To:       strings.Join(p.cfg.To, ","),
		Subject:  "[admission] " + subject,
		Tag:      p.cfg.Tag,
		TextBody: body,
		Headers: []postmark.Header{
			{Name: "X-Alert-ID", Value: uuid.NewString()},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: postmark: %w", ErrSinkFailure, err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("%w: postmark error: %d - %s", ErrSinkFailure, resp.ErrorCode, resp.Message)
	}
	return nil
}
