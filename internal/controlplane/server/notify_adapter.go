package server

import (
	"context"
	"fmt"
	"time"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/notify"
)

// notifyAdapter bridges notify.Router into tamper.NotificationSink.
type notifyAdapter struct {
	router *notify.Router
}

func (a *notifyAdapter) Send(userID, kind, subject, body string, priority domain.Severity, methods []string) error {
	errs := a.router.Notify(context.Background(), notify.Message{
		AgentID:   userID,
		EventType: kind,
		Severity:  string(priority),
		Title:     subject,
		Body:      body,
		Timestamp: time.Now(),
	})
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("notify: %d channel(s) failed, first error: %w", len(errs), errs[0])
}
