package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
)

func (s *Service) handleCustomerUpsert(ctx context.Context, ev *Event) error {
	var obj customerObject
	if err := ev.decode(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: customer id missing", ErrMalformedPayload)
	}

	userID := metadataUserID(obj.Metadata["user_id"])
	created := false
	cust, err := s.repo.MutateCustomer(ctx, obj.ID, func(c *models.BillingCustomer, found bool) error {
		if !found {
			created = true
			c.Provider = models.BillingProviderStripe
			c.ProviderCustomerID = obj.ID
		}
		if c.UserID == nil && userID != nil {
			c.UserID = userID
		}
		c.Email = strings.TrimSpace(obj.Email)
		c.Name = strings.TrimSpace(obj.Name)
		return nil
	})
	if err != nil {
		return err
	}

	if created {
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   cust.UserID,
			Action:   "customer.created",
			Entity:   "customer",
			EntityID: cust.ProviderCustomerID,
			Details:  map[string]any{"event_id": ev.ID},
		})
	}
	return nil
}

// handleCheckoutCompleted links the checkout customer to the user that
// started the checkout and seeds the payment record for one-off payments.
func (s *Service) handleCheckoutCompleted(ctx context.Context, ev *Event) error {
	var obj checkoutSessionObject
	if err := ev.decode(&obj); err != nil {
		return err
	}
	if obj.Customer == "" {
		log.Infof("[Billing] Checkout session %s has no customer, nothing to link", obj.ID)
		return nil
	}

	userID := metadataUserID(obj.ClientReferenceID, obj.Metadata["user_id"])
	cust, err := s.linkCustomer(ctx, obj.Customer, userID, obj.CustomerDetails)
	if err != nil {
		return err
	}

	if obj.Mode != "payment" || obj.PaymentIntent == "" {
		return nil
	}

	at := eventTime(ev, s.now())
	seeded := false
	payment, err := s.repo.MutatePayment(ctx, obj.PaymentIntent, func(p *models.BillingPayment, found bool) error {
		if found {
			return ErrSkipWrite
		}
		seeded = true
		p.CustomerID = cust.ID
		p.Provider = models.BillingProviderStripe
		p.ProviderPaymentIntentID = obj.PaymentIntent
		p.OrderRef = firstNonEmpty(obj.Metadata["order_ref"], obj.Metadata["appointment_id"])
		p.Amount = ToMajorUnits(obj.AmountTotal, obj.Currency)
		p.Currency = normalizeCurrency(obj.Currency)
		p.Status = models.PaymentStatusProcessing
		if obj.PaymentStatus == "paid" {
			p.Status = models.PaymentStatusSucceeded
		}
		p.LastEventAt = at
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	if seeded {
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   cust.UserID,
			Action:   "payment.created",
			Entity:   "payment",
			EntityID: payment.ProviderPaymentIntentID,
			Details: map[string]any{
				"amount":    payment.Amount.StringFixed(2),
				"currency":  payment.Currency,
				"order_ref": payment.OrderRef,
			},
		})
	}
	return nil
}

func (s *Service) linkCustomer(ctx context.Context, providerCustomerID string, userID *uint, details *customerDetails) (*models.BillingCustomer, error) {
	created := false
	cust, err := s.repo.MutateCustomer(ctx, providerCustomerID, func(c *models.BillingCustomer, found bool) error {
		if found && (c.UserID != nil || userID == nil) {
			return ErrSkipWrite
		}
		if !found {
			created = true
			c.Provider = models.BillingProviderStripe
			c.ProviderCustomerID = providerCustomerID
			if details != nil {
				c.Email = strings.TrimSpace(details.Email)
				c.Name = strings.TrimSpace(details.Name)
			}
		}
		if c.UserID == nil {
			c.UserID = userID
		}
		return nil
	})
	if errors.Is(err, ErrSkipWrite) {
		return cust, nil
	}
	if err != nil {
		return nil, err
	}
	if created {
		s.gateway.Audit(ctx, AuditEntry{
			UserID:   cust.UserID,
			Action:   "customer.created",
			Entity:   "customer",
			EntityID: cust.ProviderCustomerID,
			Details:  map[string]any{"source": "checkout"},
		})
	}
	return cust, nil
}

// resolveCustomer finds the local customer for a processor customer id. When
// the customer is unknown but the metadata names a user, the link is created
// on the spot; otherwise ErrNotFound is returned.
func (s *Service) resolveCustomer(ctx context.Context, providerCustomerID string, metadata map[string]string) (*models.BillingCustomer, error) {
	if providerCustomerID == "" {
		return nil, ErrNotFound
	}
	cust, err := s.repo.FindCustomerByProviderID(ctx, providerCustomerID)
	if err == nil {
		return cust, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	userID := metadataUserID(metadata["user_id"])
	if userID == nil {
		return nil, ErrNotFound
	}
	return s.linkCustomer(ctx, providerCustomerID, userID, nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
