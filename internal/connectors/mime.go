package connectors

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"royaltyledger/internal"
)

type ParsedMessage struct {
	MessageID   string
	Subject     string
	From        string
	ReceivedAt  string
	Text        string
	HTML        string
	Attachments []internal.AttachmentRef
}

// ParseMessage reads a raw RFC 822 message and returns every attachment and
// inline part with its bytes already loaded. AttachmentID is the part's
// position, which is stable for a given message.
func ParseMessage(raw []byte, provider internal.Provider, transport string) (ParsedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return ParsedMessage{}, err
	}

	msg := ParsedMessage{
		MessageID: strings.TrimSpace(env.GetHeader("Message-ID")),
		Subject:   env.GetHeader("Subject"),
		From:      env.GetHeader("From"),
		Text:      env.Text,
		HTML:      env.HTML,
	}
	if date := env.GetHeader("Date"); date != "" {
		if t, err := parseMailDate(date); err == nil {
			msg.ReceivedAt = t.UTC().Format(time.RFC3339)
		}
	}

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for i, part := range parts {
		filename := strings.TrimSpace(part.FileName)
		if filename == "" {
			filename = "attachment"
		}
		msg.Attachments = append(msg.Attachments, internal.AttachmentRef{
			Provider:     provider,
			Transport:    transport,
			MessageID:    msg.MessageID,
			AttachmentID: fmt.Sprintf("part-%d", i),
			FileName:     filename,
			MimeType:     part.ContentType,
			From:         msg.From,
			Subject:      msg.Subject,
			ReceivedAt:   msg.ReceivedAt,
			Content:      part.Content,
		})
	}
	return msg, nil
}

// StatementCandidates returns the CSV attachments of a raw message. With
// requireDetect set, messages that do not look like statements yield none.
func StatementCandidates(raw []byte, provider internal.Provider, transport, fallbackID string, requireDetect bool) ([]internal.AttachmentRef, error) {
	msg, err := ParseMessage(raw, provider, transport)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		names = append(names, att.FileName)
	}
	if requireDetect && !DetectStatementEmail(msg.Subject, msg.From, msg.Text, msg.HTML, names).IsStatement {
		return nil, nil
	}

	var out []internal.AttachmentRef
	for _, att := range msg.Attachments {
		if !IsCSVCandidate(att.FileName, att.MimeType) {
			continue
		}
		if att.MessageID == "" {
			att.MessageID = fallbackID
		}
		out = append(out, att)
	}
	return out, nil
}

// EMLSource serves attachments from raw messages already on hand, such as
// exported .eml files.
type EMLSource struct {
	Provider internal.Provider
	Messages map[string][]byte
}

func (s *EMLSource) ListAttachments(_ context.Context, max int) ([]internal.AttachmentRef, error) {
	provider := s.Provider
	if provider == "" {
		provider = internal.ProviderOther
	}

	var out []internal.AttachmentRef
	for _, name := range sortedKeys(s.Messages) {
		refs, err := StatementCandidates(s.Messages[name], provider, "eml", name, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, refs...)
		if max > 0 && len(out) >= max {
			return out[:max], nil
		}
	}
	return out, nil
}

func (s *EMLSource) FetchAttachment(_ context.Context, ref internal.AttachmentRef) ([]byte, error) {
	if ref.Content == nil {
		return nil, fmt.Errorf("attachment %s/%s has no content", ref.MessageID, ref.AttachmentID)
	}
	return ref.Content, nil
}

func parseMailDate(value string) (time.Time, error) {
	layouts := []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822, time.RFC850, time.ANSIC, "Mon, 2 Jan 2006 15:04:05 -0700", "Mon, 2 Jan 2006 15:04:05 -0700 (MST)"}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format")
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
