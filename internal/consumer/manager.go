// Package consumer manages webhook subscriptions registered at runtime.
//
// Webhooks listed in the config file receive every event. A subscription
// instead is created over the API, optionally scoped to one branch, and
// lives until it is deregistered or the server stops.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/slotify/internal/branch"
	"github.com/snehjoshi/slotify/internal/node"
	"github.com/snehjoshi/slotify/internal/notify"
)

var (
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	ErrInvalidSubscription  = errors.New("consumer: invalid subscription")
)

// Subscription is one registered webhook. An empty Branch matches every
// branch.
type Subscription struct {
	ID        string    `json:"id"`
	Branch    string    `json:"branch,omitempty"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Signed    bool      `json:"signed"`

	sink *notify.WebhookSink
}

// Manager holds the live subscriptions and fans events out to them. It is a
// notify.Notifier, so it sits in the dispatcher's sink list like any other.
type Manager struct {
	timeout time.Duration

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager creates an empty Manager. timeout bounds each webhook POST.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout, subs: make(map[string]*Subscription)}
}

// Register adds a subscription and returns it.
func (m *Manager) Register(branchName, rawURL, secret string) (*Subscription, error) {
	if branchName != "" && !branch.ValidName(branchName) {
		return nil, fmt.Errorf("%w: invalid branch name %q", ErrInvalidSubscription, branchName)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidSubscription)
	}

	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("consumer: generate subscription ID: %w", err)
	}
	sub := &Subscription{
		ID:        id,
		Branch:    branchName,
		URL:       rawURL,
		CreatedAt: time.Now().UTC(),
		Signed:    secret != "",
		sink:      notify.NewWebhookSink(rawURL, secret, m.timeout),
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	slog.Info("subscription registered", "id", id, "branch", branchName, "url", rawURL)
	return sub.clone(), nil
}

// Deregister removes a subscription.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	_, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	slog.Info("subscription deregistered", "id", id)
	return nil
}

// List returns every subscription ordered by ID, which is creation order.
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close drops every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string]*Subscription)
}

// ─── notify.Notifier ──────────────────────────────────────────────────────────

func (m *Manager) OnPositionChanged(ctx context.Context, c notify.PositionChange) error {
	return m.SendEvent(ctx, notify.Event{Kind: notify.KindPosition, Position: &c})
}

func (m *Manager) OnStatusChanged(ctx context.Context, c notify.StatusChange) error {
	return m.SendEvent(ctx, notify.Event{Kind: notify.KindStatus, Status: &c})
}

// SendEvent POSTs e to every subscription matching its branch. One failing
// endpoint does not stop the others; failures are joined.
func (m *Manager) SendEvent(ctx context.Context, e notify.Event) error {
	var errs []error
	for _, sub := range m.matching(e.Branch()) {
		if err := notify.Deliver(ctx, sub.sink, e); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) matching(branchName string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.Branch == "" || s.Branch == branchName {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Subscription) clone() *Subscription {
	c := *s
	return &c
}
