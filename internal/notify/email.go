package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/msageha/croc_campaign/internal/model"
)

// Email sends through the SendGrid v3 API.
type Email struct {
	from *mail.Email
	to   []*mail.Email
	send func(m *mail.SGMailV3) (status int, err error)
}

func NewEmail(cfg model.EmailConfig, apiKey string) (*Email, error) {
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("notify.email: from and to are required")
	}
	client := sendgrid.NewSendClient(apiKey)
	e := &Email{
		from: mail.NewEmail(cfg.FromName, cfg.From),
		send: func(m *mail.SGMailV3) (int, error) {
			resp, err := client.Send(m)
			if err != nil {
				return 0, err
			}
			return resp.StatusCode, nil
		},
	}
	for _, addr := range cfg.To {
		e.to = append(e.to, mail.NewEmail("", addr))
	}
	return e, nil
}

func (e *Email) Notify(_ context.Context, msg Message) error {
	m, err := e.build(msg)
	if err != nil {
		return err
	}
	status, err := e.send(m)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("sendgrid error: status %d", status)
	}
	return nil
}

func (e *Email) build(msg Message) (*mail.SGMailV3, error) {
	m := mail.NewV3Mail()
	m.SetFrom(e.from)
	m.Subject = msg.Title
	p := mail.NewPersonalization()
	p.AddTos(e.to...)
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", msg.Body))

	for _, path := range msg.Attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", path, err)
		}
		ctype := mime.TypeByExtension(filepath.Ext(path))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		a := mail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(data))
		a.SetType(ctype)
		a.SetFilename(filepath.Base(path))
		a.SetDisposition("attachment")
		m.AddAttachment(a)
	}
	return m, nil
}
