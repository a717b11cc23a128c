package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event types consumed by the router.
const (
	EventCustomerCreated          = "customer.created"
	EventCustomerUpdated          = "customer.updated"
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoiceFinalized         = "invoice.finalized"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventPaymentIntentProcessing  = "payment_intent.processing"
	EventPaymentIntentCanceled    = "payment_intent.canceled"
	EventChargeRefunded           = "charge.refunded"
	EventChargeDisputeCreated     = "charge.dispute.created"
	EventChargeDisputeUpdated     = "charge.dispute.updated"
	EventChargeDisputeClosed      = "charge.dispute.closed"
)

// Event is a verified processor notification. Payload holds the event's
// data object; Raw is the full signed body.
type Event struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
	LiveMode  bool
	Raw       []byte
}

func (e *Event) decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedPayload, e.Type, e.ID, err)
	}
	return nil
}

type customerObject struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	PaymentIntent     string            `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *customerDetails  `json:"customer_details"`
}

type customerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type priceObject struct {
	ID         string `json:"id"`
	Nickname   string `json:"nickname"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type subscriptionItemObject struct {
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
	Quantity           int64       `json:"quantity"`
	Price              priceObject `json:"price"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialStart         *int64            `json:"trial_start"`
	TrialEnd           *int64            `json:"trial_end"`
	CancelAt           *int64            `json:"cancel_at"`
	CanceledAt         *int64            `json:"canceled_at"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
	PauseCollection    *struct {
		Behavior string `json:"behavior"`
	} `json:"pause_collection"`
	Items struct {
		Data []subscriptionItemObject `json:"data"`
	} `json:"items"`
}

// period returns the current period, falling back to the first item for
// API versions that moved period boundaries onto subscription items.
func (o subscriptionObject) period() (*time.Time, *time.Time) {
	start, end := o.CurrentPeriodStart, o.CurrentPeriodEnd
	if start == 0 && end == 0 && len(o.Items.Data) > 0 {
		start, end = o.Items.Data[0].CurrentPeriodStart, o.Items.Data[0].CurrentPeriodEnd
	}
	return unixTime(start), unixTime(end)
}

func (o subscriptionObject) price() *priceObject {
	if len(o.Items.Data) == 0 {
		return nil
	}
	return &o.Items.Data[0].Price
}

type invoiceLineObject struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

type invoiceObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Subscription       string `json:"subscription"`
	Number             string `json:"number"`
	Status             string `json:"status"`
	Currency           string `json:"currency"`
	BillingReason      string `json:"billing_reason"`
	Subtotal           int64  `json:"subtotal"`
	Tax                int64  `json:"tax"`
	Total              int64  `json:"total"`
	AmountPaid         int64  `json:"amount_paid"`
	AmountDue          int64  `json:"amount_due"`
	AttemptCount       int    `json:"attempt_count"`
	NextPaymentAttempt *int64 `json:"next_payment_attempt"`
	HostedInvoiceURL   string `json:"hosted_invoice_url"`
	StatusTransitions  struct {
		PaidAt *int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLineObject `json:"data"`
	} `json:"lines"`
}

func (o invoiceObject) subscriptionID() string {
	if o.Subscription != "" {
		return o.Subscription
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return o.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// servicePeriod is the span covered by the invoice lines. For a renewal this
// is the period the subscription advances into.
func (o invoiceObject) servicePeriod() (*time.Time, *time.Time) {
	var start, end int64
	for _, line := range o.Lines.Data {
		if line.Period.End > end {
			start, end = line.Period.Start, line.Period.End
		}
	}
	return unixTime(start), unixTime(end)
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type refundObject struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	PaymentIntent string `json:"payment_intent"`
}

type chargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Refunded       bool   `json:"refunded"`
	Refunds        *struct {
		Data []refundObject `json:"data"`
	} `json:"refunds"`
}

type disputeObject struct {
	ID              string `json:"id"`
	Charge          string `json:"charge"`
	PaymentIntent   string `json:"payment_intent"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Reason          string `json:"reason"`
	Status          string `json:"status"`
	EvidenceDetails struct {
		DueBy *int64 `json:"due_by"`
	} `json:"evidence_details"`
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func unixTimePtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	return unixTime(*sec)
}

// metadataUserID extracts an internal user id from processor metadata.
func metadataUserID(values ...string) *uint {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		uid := uint(id)
		return &uid
	}
	return nil
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
