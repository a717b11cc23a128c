package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
)

const (
	// Exchange is the topic exchange notification events are published to.
	Exchange = "billing.notifications"
	// RoutingKeyPrefix is followed by the notification type.
	RoutingKeyPrefix = "notification."
)

// Mailer delivers the escalation email for urgent notifications.
type Mailer interface {
	SendMail(to, subject, body string) error
}

// Message is the body published for every stored notification.
type Message struct {
	ID        uint                   `json:"id"`
	UserID    *uint                  `json:"user_id,omitempty"`
	Audience  string                 `json:"audience"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  string                 `json:"priority"`
	ActionURL string                 `json:"action_url,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store persists notifications and fans them out. Only the database write
// can fail the call; publishing and mail are logged and dropped.
type Store struct {
	persist     func(ctx context.Context, n *models.Notification) error
	publisher   Publisher
	mailer      Mailer
	seniorEmail string
	validate    *validator.Validate
}

// Options configures the optional fan-out channels of a Store.
type Options struct {
	Publisher   Publisher
	Mailer      Mailer
	SeniorEmail string
}

func NewStore(db *gorm.DB, opts Options) *Store {
	return &Store{
		persist: func(ctx context.Context, n *models.Notification) error {
			return db.WithContext(ctx).Create(n).Error
		},
		publisher:   opts.Publisher,
		mailer:      opts.Mailer,
		seniorEmail: opts.SeniorEmail,
		validate:    validator.New(),
	}
}

func (s *Store) CreateNotification(ctx context.Context, n billing.Notification) error {
	row := &models.Notification{
		UserID:    n.UserID,
		Audience:  n.Audience,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
		ActionURL: n.ActionURL,
		Metadata:  datatypes.JSONMap(n.Metadata),
	}
	if err := s.validate.Struct(row); err != nil {
		return fmt.Errorf("invalid notification: %w", err)
	}
	if err := s.persist(ctx, row); err != nil {
		return fmt.Errorf("store notification %s: %w", n.Type, err)
	}

	if s.publisher != nil {
		msg := Message{
			ID:        row.ID,
			UserID:    row.UserID,
			Audience:  row.Audience,
			Type:      row.Type,
			Title:     row.Title,
			Message:   row.Message,
			Priority:  row.Priority,
			ActionURL: row.ActionURL,
			Metadata:  n.Metadata,
			CreatedAt: row.CreatedAt,
		}
		if err := s.publisher.Publish(ctx, RoutingKeyPrefix+row.Type, msg); err != nil {
			log.Warnf("[Notify] Publish of notification %d (%s) failed: %v", row.ID, row.Type, err)
		}
	}

	if row.Priority == models.NotificationPriorityUrgent && s.mailer != nil && s.seniorEmail != "" {
		body := row.Message
		if row.ActionURL != "" {
			body += "\n\n" + row.ActionURL
		}
		if err := s.mailer.SendMail(s.seniorEmail, "[Billing] "+row.Title, body); err != nil {
			log.Warnf("[Notify] Escalation mail for notification %d failed: %v", row.ID, err)
		}
	}
	return nil
}

// AuditStore writes audit entries to the audit_logs table.
type AuditStore struct {
	persist func(ctx context.Context, row *models.AuditLog) error
}

func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{persist: func(ctx context.Context, row *models.AuditLog) error {
		return db.WithContext(ctx).Create(row).Error
	}}
}

func (a *AuditStore) AuditLog(ctx context.Context, e billing.AuditEntry) error {
	outcome := e.Outcome
	if outcome == "" {
		outcome = models.AuditOutcomeSuccess
	}
	return a.persist(ctx, &models.AuditLog{
		UserID:   e.UserID,
		Action:   e.Action,
		Entity:   e.Entity,
		EntityID: e.EntityID,
		Details:  datatypes.JSONMap(e.Details),
		Outcome:  outcome,
	})
}
