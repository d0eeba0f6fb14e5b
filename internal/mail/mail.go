// Package mail delivers account notifications.
package mail

import (
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/sirupsen/logrus"
	gomail "github.com/wneessen/go-mail"
)

// Notifier sends the activation message for a newly registered account.
type Notifier interface {
	SendActivationEmail(ctx context.Context, to, username, tokenID string) error
}

const activationSubject = "Activate your account"

// ActivationURL is the link embedded in activation messages.
func ActivationURL(baseURL, tokenID string) string {
	return strings.TrimRight(baseURL, "/") + "/activations/" + tokenID
}

// SMTPConfig configures SMTPNotifier.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	BaseURL   string
	// TLS is one of TLSMandatory, TLSOpportunistic or TLSNone. Empty means
	// opportunistic.
	TLS string
}

// TLS policies for the relay connection.
const (
	TLSMandatory     = "mandatory"
	TLSOpportunistic = "opportunistic"
	TLSNone          = "none"
)

func tlsPolicy(name string) (gomail.TLSPolicy, error) {
	switch name {
	case TLSMandatory:
		return gomail.TLSMandatory, nil
	case TLSOpportunistic, "":
		return gomail.TLSOpportunistic, nil
	case TLSNone:
		return gomail.NoTLS, nil
	}
	return gomail.NoTLS, fmt.Errorf("unknown smtp tls policy %q", name)
}

// SMTPNotifier sends multipart text and HTML messages through an SMTP relay.
type SMTPNotifier struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, now: time.Now}
}

func (n *SMTPNotifier) SendActivationEmail(ctx context.Context, to, username, tokenID string) error {
	msg, err := n.activationMessage(to, username, tokenID)
	if err != nil {
		return err
	}
	client, err := n.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send activation email to %s: %w", to, err)
	}
	return nil
}

// client builds a fresh relay client per message.
func (n *SMTPNotifier) client() (*gomail.Client, error) {
	policy, err := tlsPolicy(n.cfg.TLS)
	if err != nil {
		return nil, err
	}
	opts := []gomail.Option{
		gomail.WithPort(n.cfg.Port),
		gomail.WithTLSPolicy(policy),
	}
	if n.cfg.Username != "" && n.cfg.Password != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(n.cfg.Username),
			gomail.WithPassword(n.cfg.Password),
		)
	}
	c, err := gomail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return c, nil
}

var activationText = texttemplate.Must(texttemplate.New("text").Parse(`Hello {{.Username}},

To activate your account, click the link below:

{{.URL}}

This link expires in 15 minutes.

If you did not request this account, ignore this email.
`))

var activationHTML = htmltemplate.Must(htmltemplate.New("html").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Activate your account</h2>
  <p>Hello <strong>{{.Username}}</strong>,</p>
  <p>To activate your account, click the button below:</p>
  <div style="text-align: center; margin: 30px 0;">
    <a href="{{.URL}}" style="background-color: #4CAF50; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; display: inline-block;">Activate Account</a>
  </div>
  <p>Or copy and paste this link into your browser:</p>
  <p style="word-break: break-all; color: #666;">{{.URL}}</p>
  <p style="color: #999; font-size: 12px; margin-top: 30px;">
    This link expires in 15 minutes.<br>
    If you did not request this account, ignore this email.
  </p>
</div>
`))

func (n *SMTPNotifier) activationMessage(to, username, tokenID string) (*gomail.Msg, error) {
	data := struct{ Username, URL string }{username, ActivationURL(n.cfg.BaseURL, tokenID)}

	m := gomail.NewMsg()
	if err := m.FromFormat(n.cfg.FromName, n.cfg.FromEmail); err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	m.Subject(activationSubject)
	m.SetDateWithValue(n.now())
	m.SetMessageID()
	if err := m.SetBodyTextTemplate(activationText, data); err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}
	if err := m.AddAlternativeHTMLTemplate(activationHTML, data); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	return m, nil
}

// LogNotifier writes activation links to the log instead of sending mail.
type LogNotifier struct {
	BaseURL string
	Log     logrus.FieldLogger
}

func (n *LogNotifier) SendActivationEmail(_ context.Context, to, username, tokenID string) error {
	n.Log.WithFields(logrus.Fields{
		"to":       to,
		"username": username,
		"url":      ActivationURL(n.BaseURL, tokenID),
	}).Info("activation email")
	return nil
}
