// Package notify delivers best-effort operator notifications: a desktop
// banner and an e-mail carrying the run log.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
)

// Message is one notification. Attachments are file paths.
type Message struct {
	Title       string
	Body        string
	Attachments []string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Quiet wraps a notifier so delivery failures are logged and dropped.
type Quiet struct {
	N   Notifier
	Log *logging.Logger
}

func (q Quiet) Notify(ctx context.Context, msg Message) error {
	if q.N == nil {
		return nil
	}
	if err := q.N.Notify(ctx, msg); err != nil {
		q.Log.Warnf("notification %q not delivered: %v", msg.Title, err)
	}
	return nil
}

// FromConfig builds the configured notifiers. getenv supplies secrets.
func FromConfig(cfg model.NotifyConfig, getenv func(string) string, log *logging.Logger) (Notifier, error) {
	log = log.With("notify")
	if !cfg.Enabled {
		return Quiet{Log: log}, nil
	}
	var m Multi
	if cfg.Desktop {
		m = append(m, NewDesktop())
	}
	if cfg.Email.Enabled {
		key := getenv(cfg.Email.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("notify.email: %s is not set", cfg.Email.APIKeyEnv)
		}
		e, err := NewEmail(cfg.Email, key)
		if err != nil {
			return nil, err
		}
		m = append(m, e)
	}
	return Quiet{N: m, Log: log}, nil
}
