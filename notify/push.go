package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

// =============================================================================
// OFFLINE PUSH - store-and-forward fallback for disconnected administrators
// =============================================================================

// ErrSubscriptionGone means the endpoint no longer accepts pushes and the
// subscription should be removed.
var ErrSubscriptionGone = errors.New("push subscription expired")

type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, sub ledger.PushSubscription) error
	// ListSubscriptions returns adminID's subscriptions, or all when adminID is empty.
	ListSubscriptions(ctx context.Context, adminID ledger.UserID) ([]ledger.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

type Pusher interface {
	Push(ctx context.Context, sub ledger.PushSubscription, payload []byte) error
}

// WebhookPusher POSTs the event envelope to the subscription endpoint.
type WebhookPusher struct {
	Client *http.Client
}

func NewWebhookPusher(timeout time.Duration) *WebhookPusher {
	return &WebhookPusher{Client: &http.Client{Timeout: timeout}}
}

func (p *WebhookPusher) Push(ctx context.Context, sub ledger.PushSubscription, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", "86400")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push to %s: unexpected status %d", sub.Endpoint, resp.StatusCode)
	}
	return nil
}

type pushJob struct {
	target ledger.Target
	ev     ledger.Event
	online func(ledger.UserID) bool
}

// Dispatcher queues offline pushes and delivers them from a worker pool so
// the triggering request never waits on a remote endpoint.
type Dispatcher struct {
	subs    SubscriptionStore
	pusher  Pusher
	logger  *zap.Logger
	timeout time.Duration
	workers int
	now     func() time.Time

	jobs chan pushJob
	wg   sync.WaitGroup
	once sync.Once
}

type DispatcherConfig struct {
	Workers int
	Queue   int
	Timeout time.Duration
}

func NewDispatcher(subs SubscriptionStore, pusher Pusher, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subs:    subs,
		pusher:  pusher,
		logger:  logger,
		timeout: cfg.Timeout,
		workers: cfg.Workers,
		now:     time.Now,
		jobs:    make(chan pushJob, cfg.Queue),
	}
}

// Start launches the workers. They exit when Stop is called.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for job := range d.jobs {
				d.deliver(job)
			}
		}()
	}
}

// Stop drains queued jobs and waits for the workers.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.jobs) })
	d.wg.Wait()
}

// PushOffline implements OfflinePusher. It never blocks; a full queue drops
// the push with a warning.
func (d *Dispatcher) PushOffline(_ context.Context, target ledger.Target, ev ledger.Event, online func(ledger.UserID) bool) {
	defer func() {
		if recover() != nil {
			d.logger.Warn("push dispatcher stopped, dropping offline push", zap.String("event", string(ev.Kind)))
		}
	}()
	select {
	case d.jobs <- pushJob{target: target, ev: ev, online: online}:
	default:
		d.logger.Warn("push queue full, dropping offline push", zap.String("event", string(ev.Kind)))
	}
}

func (d *Dispatcher) deliver(job pushJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	subs, err := d.subs.ListSubscriptions(ctx, job.target.UserID)
	if err != nil {
		d.logger.Warn("failed to list push subscriptions", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := ledger.MarshalEvent(job.ev)
	if err != nil {
		d.logger.Error("failed to encode push payload", zap.Error(err))
		return
	}

	for _, sub := range subs {
		if job.online != nil && job.online(sub.AdminID) {
			continue
		}
		err := d.pusher.Push(ctx, sub, payload)
		switch {
		case err == nil:
			d.logger.Debug("offline push delivered",
				zap.String("admin_id", string(sub.AdminID)), zap.String("event", string(job.ev.Kind)))
		case errors.Is(err, ErrSubscriptionGone):
			d.logger.Warn("pruning expired push subscription",
				zap.String("admin_id", string(sub.AdminID)), zap.String("endpoint", sub.Endpoint))
			if derr := d.subs.DeleteSubscription(ctx, sub.Endpoint); derr != nil {
				d.logger.Warn("failed to prune push subscription", zap.Error(derr))
			}
		default:
			d.logger.Warn("offline push failed",
				zap.String("admin_id", string(sub.AdminID)), zap.Error(err))
		}
	}
}

// Subscribe registers endpoint for an administrator.
func (d *Dispatcher) Subscribe(ctx context.Context, p ledger.Principal, endpoint string) (ledger.PushSubscription, error) {
	if !p.IsAdmin() {
		return ledger.PushSubscription{}, &ledger.AuthorizationError{Action: "subscribe to push", Reason: "administrator only"}
	}
	endpoint = strings.TrimSpace(endpoint)
	if err := validateEndpoint(endpoint); err != nil {
		return ledger.PushSubscription{}, err
	}
	sub := ledger.PushSubscription{
		ID:        uuid.NewString(),
		AdminID:   p.UserID,
		Endpoint:  endpoint,
		CreatedAt: d.now(),
	}
	if err := d.subs.SaveSubscription(ctx, sub); err != nil {
		return ledger.PushSubscription{}, &ledger.InternalError{Op: "subscribe to push", Err: err}
	}
	d.logger.Info("push subscription saved", zap.String("admin_id", string(p.UserID)))
	return sub, nil
}

// Unsubscribe removes one of the caller's endpoints.
func (d *Dispatcher) Unsubscribe(ctx context.Context, p ledger.Principal, endpoint string) error {
	if !p.IsAdmin() {
		return &ledger.AuthorizationError{Action: "unsubscribe from push", Reason: "administrator only"}
	}
	subs, err := d.subs.ListSubscriptions(ctx, p.UserID)
	if err != nil {
		return &ledger.InternalError{Op: "unsubscribe from push", Err: err}
	}
	for _, sub := range subs {
		if sub.Endpoint == endpoint {
			if err := d.subs.DeleteSubscription(ctx, endpoint); err != nil {
				return &ledger.InternalError{Op: "unsubscribe from push", Err: err}
			}
			return nil
		}
	}
	return &ledger.NotFoundError{Kind: "push subscription", ID: endpoint}
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ledger.ValidationError{Field: "endpoint", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}
