package billing

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
)

// Notification is the message handed to the notifier collaborator.
type Notification struct {
	UserID    *uint
	Audience  string
	Title     string
	Message   string
	Type      string
	Priority  string
	ActionURL string
	Metadata  map[string]any
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	UserID   *uint
	Action   string
	Entity   string
	EntityID string
	Details  map[string]any
	Outcome  string
}

type Notifier interface {
	CreateNotification(ctx context.Context, n Notification) error
}

type Auditor interface {
	AuditLog(ctx context.Context, e AuditEntry) error
}

// Gateway is the fire-and-forget adapter in front of the notifier and
// auditor. Errors are logged and never returned to event handlers.
type Gateway struct {
	notifier Notifier
	auditor  Auditor
}

func NewGateway(notifier Notifier, auditor Auditor) *Gateway {
	return &Gateway{notifier: notifier, auditor: auditor}
}

// Notify reports whether the notification was accepted.
func (g *Gateway) Notify(ctx context.Context, n Notification) bool {
	if g.notifier == nil {
		log.Debugf("[Billing] No notifier configured, dropping %q", n.Type)
		return false
	}
	if n.Audience == "" {
		n.Audience = models.NotificationAudienceUser
	}
	if n.Priority == "" {
		n.Priority = models.NotificationPriorityNormal
	}
	if err := g.notifier.CreateNotification(ctx, n); err != nil {
		log.Errorf("[Billing] Notification %q to %s failed: %v", n.Type, n.Audience, err)
		return false
	}
	return true
}

func (g *Gateway) Audit(ctx context.Context, e AuditEntry) {
	if g.auditor == nil {
		return
	}
	if e.Outcome == "" {
		e.Outcome = models.AuditOutcomeSuccess
	}
	if err := g.auditor.AuditLog(ctx, e); err != nil {
		log.Errorf("[Billing] Audit %s %s/%s failed: %v", e.Action, e.Entity, e.EntityID, err)
	}
}

func (g *Gateway) auditFailure(ctx context.Context, action, entity, entityID string, cause error, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = cause.Error()
	g.Audit(ctx, AuditEntry{
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Details:  details,
		Outcome:  models.AuditOutcomeFailure,
	})
}
