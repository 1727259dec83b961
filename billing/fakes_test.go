package billing

import (
	"context"
	"sync"
	"time"

	"telehealth-backend/audit"
	"telehealth-backend/plans"
	"telehealth-backend/subscriptions"
	"telehealth-backend/users"
)

type memStore struct {
	mu       sync.Mutex
	records  map[int64]*subscriptions.Record
	invoices map[string]subscriptions.BillingEntry
	updates  int
	lookups  int
}

func newMemStore() *memStore {
	return &memStore{records: map[int64]*subscriptions.Record{}, invoices: map[string]subscriptions.BillingEntry{}}
}

func (m *memStore) put(r subscriptions.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Limits = plans.LimitsFor(r.Tier)
	m.records[r.UserID] = &r
}

func (m *memStore) snapshot(userID int64) subscriptions.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[userID]
}

func (m *memStore) Get(_ context.Context, userID int64) (*subscriptions.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		return nil, subscriptions.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) FindByCustomerRef(_ context.Context, ref string) (*subscriptions.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, r := range m.records {
		if ref != "" && r.ExternalCustomerRef == ref {
			cp := *r
			return &cp, nil
		}
	}
	return nil, subscriptions.ErrNotFound
}

func (m *memStore) Ensure(_ context.Context, userID int64, now time.Time) (*subscriptions.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		r = &subscriptions.Record{
			UserID: userID, Tier: plans.TierFree, Status: plans.StatusActive,
			Limits: plans.LimitsFor(plans.TierFree), StartDate: now, LastModifiedAt: now,
		}
		m.records[userID] = r
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Update(_ context.Context, userID int64, p subscriptions.Patch, g subscriptions.Guard) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok || !g.Matches(r) {
		return false, nil
	}
	p.ApplyTo(r)
	m.updates++
	return true, nil
}

func (m *memStore) ListLapsed(context.Context, time.Time, int) ([]subscriptions.Record, error) {
	return nil, nil
}

func (m *memStore) TierCounts(context.Context) (map[plans.Tier]int, error) {
	return map[plans.Tier]int{}, nil
}

func (m *memStore) ManualOverrideCount(context.Context) (int, error) { return 0, nil }

func (m *memStore) ListWithUsers(context.Context, subscriptions.UserFilter) ([]subscriptions.UserSubscription, int, error) {
	return nil, 0, nil
}

func (m *memStore) BillingHistory(context.Context, int64, int) ([]subscriptions.BillingEntry, error) {
	return nil, nil
}

func (m *memStore) InsertBillingEntry(_ context.Context, e subscriptions.BillingEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[e.InvoiceID]; ok {
		return false, nil
	}
	m.invoices[e.InvoiceID] = e
	return true, nil
}

type memEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemEvents() *memEvents { return &memEvents{seen: map[string]bool{}} }

func (m *memEvents) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id], nil
}

func (m *memEvents) Mark(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = true
	return nil
}

type fakeUsers map[int64]*users.User

func (f fakeUsers) Find(_ context.Context, id int64) (*users.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, users.ErrNotFound
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAudit) Record(_ context.Context, e audit.Entry) (*audit.Entry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return &e, nil
}

func (f *fakeAudit) all() []audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Entry(nil), f.entries...)
}

// fakeGateway answers checkouts with a fixed result and records cancellations.
type fakeGateway struct {
	mu        sync.Mutex
	result    *subscriptions.GatewaySubscription
	cancelErr error
	cancelled []string
}

func (g *fakeGateway) CreateSubscription(context.Context, subscriptions.CheckoutRequest) (*subscriptions.GatewaySubscription, error) {
	cp := *g.result
	return &cp, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, ref, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, ref)
	return nil
}

func (g *fakeGateway) cancels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}
