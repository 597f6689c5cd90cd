package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// ErrAuth means the stored OAuth refresh token was rejected.
var ErrAuth = errors.New("gmail authorization failed")

// GmailConfig holds the OAuth client and addressing of the Gmail notifier.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Sender       string
	Recipient    string
}

// Gmail sends messages through the Gmail API using a stored refresh token.
type Gmail struct {
	svc       *gmail.Service
	sender    string
	recipient string
}

// NewGmail builds a Gmail notifier. The access token is refreshed on demand.
func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("%w: client id, secret and refresh token are required", ErrAuth)
	}
	if cfg.Recipient == "" {
		return nil, errors.New("gmail recipient is required")
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	sender := cfg.Sender
	if sender == "" {
		sender = cfg.Recipient
	}
	return &Gmail{svc: svc, sender: sender, recipient: cfg.Recipient}, nil
}

func (g *Gmail) Name() string { return "gmail" }

func (g *Gmail) Send(ctx context.Context, m *Message) error {
	raw := buildMIME(g.sender, g.recipient, m)
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(raw))}
	if _, err := g.svc.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return fmt.Errorf("gmail send: %w", err)
	}
	return nil
}

// buildMIME renders m as an RFC 5322 message, multipart when HTML is present.
func buildMIME(from, to string, m *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\n", from, to)
	fmt.Fprintf(&b, "Subject: %s\r\nMIME-Version: 1.0\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	if m.HTML == "" {
		b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(m.Body)
		return b.String()
	}

	boundary := "kb-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s\r\n", boundary, m.Body)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s\r\n", boundary, m.HTML)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.String()
}
