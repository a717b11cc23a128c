package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PaySync/app/models"
)

const (
	EventClaimKeyPrefix = "billing:event:claim:"
	DefaultClaimTTL     = 5 * time.Minute
)

// Claimer serializes concurrent deliveries of the same event id so the
// processed check and the handler run as one unit.
type Claimer interface {
	Claim(ctx context.Context, eventID string) (release func(), ok bool, err error)
}

var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisClaimer holds claims as SET NX keys so every instance behind the
// webhook endpoint sees them.
type RedisClaimer struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClaimer(client *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaimer{client: client, ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, eventID string) (func(), bool, error) {
	key := EventClaimKeyPrefix + eventID
	token := uuid.NewString()

	ok, err := c.client.SetNX(ctx, key, token, c.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// The request context may already be canceled here.
		if err := releaseClaimScript.Run(context.Background(), c.client, []string{key}, token).Err(); err != nil {
			log.Warnf("[Billing] Failed to release claim for event %s: %v", eventID, err)
		}
	}
	return release, true, nil
}

// LocalClaimer is an in-process Claimer for single-instance deployments and tests.
type LocalClaimer struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{held: make(map[string]struct{})}
}

func (c *LocalClaimer) Claim(_ context.Context, eventID string) (func(), bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.held[eventID]; busy {
		return nil, false, nil
	}
	c.held[eventID] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.held, eventID)
		c.mu.Unlock()
	}, true, nil
}

// IdempotencyLedger records fully processed events. Records are append-only.
type IdempotencyLedger struct {
	repo     Repository
	claimer  Claimer
	provider string
}

func NewIdempotencyLedger(repo Repository, claimer Claimer) *IdempotencyLedger {
	if claimer == nil {
		claimer = NewLocalClaimer()
	}
	return &IdempotencyLedger{repo: repo, claimer: claimer, provider: models.BillingProviderStripe}
}

func (l *IdempotencyLedger) Claim(ctx context.Context, eventID string) (func(), bool, error) {
	return l.claimer.Claim(ctx, eventID)
}

func (l *IdempotencyLedger) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := l.repo.FindWebhookEvent(ctx, l.provider, eventID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed appends the record. Callers invoke it only after every side
// effect of the event has committed.
func (l *IdempotencyLedger) MarkProcessed(ctx context.Context, ev *Event, outcome string, at time.Time) error {
	_, err := l.repo.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        l.provider,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		EventCreatedAt:  ev.CreatedAt,
		LiveMode:        ev.LiveMode,
		PayloadJSON:     string(ev.Raw),
		Outcome:         outcome,
		ProcessedAt:     at,
	})
	return err
}
