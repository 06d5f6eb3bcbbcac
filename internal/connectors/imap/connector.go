package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"royaltyledger/internal"
	"royaltyledger/internal/config"
	"royaltyledger/internal/connectors"
)

// Connector harvests statements from a generic IMAP mailbox. Whole messages
// are downloaded during listing, so refs arrive with Content set.
type Connector struct {
	host     string
	port     int
	secure   bool
	mailbox  string
	user     string
	password string
	markSeen bool
	since    time.Time
}

func NewConnector(cfg config.Config, account internal.MailAccount, lookbackDays int) (*Connector, error) {
	if err := cfg.Require("IMAP_HOST", cfg.IMAPHost); err != nil {
		return nil, err
	}
	if account.Username == "" || account.Secret == "" {
		return nil, fmt.Errorf("imap account %q is missing credentials", account.ID)
	}

	c := &Connector{
		host:     cfg.IMAPHost,
		port:     cfg.IMAPPort,
		secure:   cfg.IMAPSecure,
		mailbox:  cfg.IMAPMailbox,
		user:     account.Username,
		password: account.Secret,
		markSeen: cfg.IMAPMarkSeen,
	}
	if lookbackDays > 0 {
		c.since = time.Now().UTC().AddDate(0, 0, -lookbackDays)
	}
	return c, nil
}

func (c *Connector) ListAttachments(ctx context.Context, max int) ([]internal.AttachmentRef, error) {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	var client *imapclient.Client
	var err error
	if c.secure {
		client, err = imapclient.DialTLS(addr, &tls.Config{ServerName: c.host})
	} else {
		client, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	defer client.Logout()

	if err := client.Login(c.user, c.password); err != nil {
		return nil, err
	}
	if _, err := client.Select(c.mailbox, false); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	if !c.since.IsZero() {
		criteria.Since = c.since
	}
	ids, err := client.Search(criteria)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if max > 0 && len(ids) > max {
		ids = ids[len(ids)-max:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}
	messages := make(chan *imap.Message, len(ids))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.Fetch(seqset, items, messages) }()

	var out []internal.AttachmentRef
	var matched []uint32
	var readErr error
	for msg := range messages {
		if msg == nil || readErr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			readErr = err
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			readErr = err
			continue
		}
		refs, err := connectors.StatementCandidates(raw, internal.ProviderOther, "imap", fmt.Sprintf("imap-%d", msg.Uid), true)
		if err != nil {
			continue
		}
		if len(refs) > 0 {
			out = append(out, refs...)
			matched = append(matched, msg.SeqNum)
		}
	}

	if err := <-fetchDone; err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}

	if c.markSeen && len(matched) > 0 {
		seen := new(imap.SeqSet)
		seen.AddNum(matched...)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := client.Store(seen, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (c *Connector) FetchAttachment(_ context.Context, ref internal.AttachmentRef) ([]byte, error) {
	if ref.Content == nil {
		return nil, fmt.Errorf("attachment %s/%s was not downloaded", ref.MessageID, ref.AttachmentID)
	}
	return ref.Content, nil
}
