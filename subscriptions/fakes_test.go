package subscriptions

import (
	"context"
	"errors"
	"sync"
	"time"

	"telehealth-backend/audit"
	"telehealth-backend/plans"
	"telehealth-backend/users"
)

// memStore mirrors the repository semantics: unique record per user,
// field-level patches, guarded updates.
type memStore struct {
	mu      sync.Mutex
	records map[int64]*Record
	nextID  int64
	updates int
	// beforeUpdate runs against the stored record ahead of the guard check.
	beforeUpdate func(r *Record)
}

func newMemStore() *memStore { return &memStore{records: map[int64]*Record{}} }

func (m *memStore) Ensure(_ context.Context, userID int64, now time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[userID]; ok {
		cp := *r
		return &cp, nil
	}
	m.nextID++
	r := &Record{
		ID: m.nextID, UserID: userID, Tier: plans.TierFree, Status: plans.StatusActive,
		Limits: plans.LimitsFor(plans.TierFree), StartDate: now, LastModifiedAt: now,
	}
	m.records[userID] = r
	cp := *r
	return &cp, nil
}

func (m *memStore) Get(_ context.Context, userID int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Update(_ context.Context, userID int64, p Patch, g Guard) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if ok && m.beforeUpdate != nil {
		m.beforeUpdate(r)
	}
	if !ok || !g.Matches(r) {
		return false, nil
	}
	p.ApplyTo(r)
	m.updates++
	return true, nil
}

func (m *memStore) ListLapsed(_ context.Context, now time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Status == plans.StatusCancelled && r.Tier != plans.TierFree && r.EndDate != nil && !r.EndDate.After(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) TierCounts(context.Context) (map[plans.Tier]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[plans.Tier]int{}
	for _, r := range m.records {
		out[r.Tier]++
	}
	return out, nil
}

func (m *memStore) ManualOverrideCount(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.ManualOverride {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListWithUsers(context.Context, UserFilter) ([]UserSubscription, int, error) {
	return nil, 0, nil
}

func (m *memStore) BillingHistory(context.Context, int64, int) ([]BillingEntry, error) {
	return []BillingEntry{}, nil
}

func (m *memStore) put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Limits = plans.LimitsFor(r.Tier)
	m.records[r.UserID] = &r
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

type fakeGateway struct {
	mu        sync.Mutex
	result    *GatewaySubscription
	err       error
	block     bool
	created   []CheckoutRequest
	cancelled []string
	cancelErr error
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, req CheckoutRequest) (*GatewaySubscription, error) {
	g.mu.Lock()
	g.created = append(g.created, req)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
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

var errGatewayDown = errors.New("connection refused")
