package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"royaltyledger/internal"
	"royaltyledger/internal/config"
	"royaltyledger/internal/connectors"
)

// Connector lists CSV attachments in one Gmail mailbox. Every API call waits
// on a shared limiter so a large backlog does not trip Gmail quotas.
type Connector struct {
	service *gmail.Service
	query   string
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewConnector authorises against Gmail with the account's stored refresh
// token. lookbackDays narrows the search to recent mail.
func NewConnector(ctx context.Context, cfg config.Config, account internal.MailAccount, lookbackDays int, log zerolog.Logger) (*Connector, error) {
	if err := cfg.Require("GMAIL_CLIENT_ID", cfg.GmailClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret); err != nil {
		return nil, err
	}
	if strings.TrimSpace(account.Secret) == "" {
		return nil, fmt.Errorf("gmail account %s has no refresh token", account.Username)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}

	tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: account.Secret})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.GmailRateLimitRPS), cfg.GmailRateBurst)
	return newConnector(svc, buildQuery(cfg.GmailQuery, lookbackDays), limiter, log.With().Str("account", account.Username).Logger()), nil
}

func newConnector(svc *gmail.Service, query string, limiter *rate.Limiter, log zerolog.Logger) *Connector {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Connector{service: svc, query: query, limiter: limiter, log: log}
}

func buildQuery(base string, lookbackDays int) string {
	base = strings.TrimSpace(base)
	if lookbackDays <= 0 {
		return base
	}
	return strings.TrimSpace(fmt.Sprintf("%s newer_than:%dd", base, lookbackDays))
}

func (c *Connector) ListAttachments(ctx context.Context, max int) ([]internal.AttachmentRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	call := c.service.Users.Messages.List("me").Q(c.query).Context(ctx)
	if max > 0 {
		call = call.MaxResults(int64(max))
	}
	listResp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var out []internal.AttachmentRef
	for _, msgRef := range listResp.Messages {
		if msgRef.Id == "" {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return out, err
		}
		msg, err := c.service.Users.Messages.Get("me", msgRef.Id).Format("full").Context(ctx).Do()
		if err != nil {
			c.log.Warn().Err(err).Str("message_id", msgRef.Id).Msg("get message failed")
			continue
		}
		out = append(out, c.messageAttachments(msg)...)
	}

	c.log.Debug().Int("messages", len(listResp.Messages)).Int("attachments", len(out)).Msg("gmail listing done")
	return out, nil
}

func (c *Connector) messageAttachments(msg *gmail.Message) []internal.AttachmentRef {
	if msg.Payload == nil {
		return nil
	}

	headers := map[string]string{}
	for _, h := range msg.Payload.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}
	received := ""
	if msg.InternalDate > 0 {
		received = time.UnixMilli(msg.InternalDate).UTC().Format(time.RFC3339)
	}

	var out []internal.AttachmentRef
	walkParts(msg.Payload, func(part *gmail.MessagePart) {
		if part.Body == nil || !connectors.IsCSVCandidate(part.Filename, part.MimeType) {
			return
		}
		ref := internal.AttachmentRef{
			Provider:     internal.ProviderGmail,
			Transport:    "gmail",
			MessageID:    msg.Id,
			AttachmentID: part.PartId,
			FetchID:      part.Body.AttachmentId,
			FileName:     part.Filename,
			MimeType:     part.MimeType,
			From:         headers["from"],
			Subject:      headers["subject"],
			ReceivedAt:   received,
		}
		if ref.AttachmentID == "" {
			ref.AttachmentID = part.Body.AttachmentId
		}
		if part.Body.Data != "" {
			if data, err := decodeBase64URL(part.Body.Data); err == nil {
				ref.Content = data
			}
		}
		out = append(out, ref)
	})
	return out
}

func walkParts(part *gmail.MessagePart, visit func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	if part.Filename != "" {
		visit(part)
	}
	for _, child := range part.Parts {
		walkParts(child, visit)
	}
}

func (c *Connector) FetchAttachment(ctx context.Context, ref internal.AttachmentRef) ([]byte, error) {
	if ref.Content != nil {
		return ref.Content, nil
	}
	if ref.FetchID == "" {
		return nil, fmt.Errorf("attachment %s/%s has no download handle", ref.MessageID, ref.AttachmentID)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.service.Users.Messages.Attachments.Get("me", ref.MessageID, ref.FetchID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return decodeBase64URL(body.Data)
}

func decodeBase64URL(input string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("decode gmail payload: %w", err)
}
