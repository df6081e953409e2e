package biz

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	govErrors "usage-governance/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
)

var (
	testLogger = log.NewStdLogger(io.Discard)
	errStore   = errors.New("store unavailable")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memGuardRepo 与关系库实现相同的条件更新语义
type memGuardRepo struct {
	mu      sync.Mutex
	entries map[string]*GuardEntry
	err     error
}

func newMemGuardRepo() *memGuardRepo {
	return &memGuardRepo{entries: make(map[string]*GuardEntry)}
}

func guardKey(owner, scope string) string { return owner + "|" + scope }

func (r *memGuardRepo) InsertGuard(_ context.Context, e *GuardEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	k := guardKey(e.OwnerKey, e.Scope)
	if _, ok := r.entries[k]; ok {
		return false, nil
	}
	cp := *e
	r.entries[k] = &cp
	return true, nil
}

func (r *memGuardRepo) BumpGuard(_ context.Context, owner, scope, hash string, since, at time.Time) (*GuardEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	e, ok := r.entries[guardKey(owner, scope)]
	if !ok || e.PayloadHash != hash || e.LastSeenAt.Before(since) {
		return nil, nil
	}
	e.HitCount++
	e.LastSeenAt = at
	cp := *e
	return &cp, nil
}

func (r *memGuardRepo) ReplaceGuard(_ context.Context, owner, scope, hash string, since, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	e, ok := r.entries[guardKey(owner, scope)]
	if !ok || (e.PayloadHash == hash && !e.LastSeenAt.Before(since)) {
		return false, nil
	}
	e.PayloadHash = hash
	e.HitCount = 1
	e.LastRecordID = ""
	e.LastSeenAt = at
	return true, nil
}

func (r *memGuardRepo) RecordGuardWrite(_ context.Context, e *GuardEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	k := guardKey(e.OwnerKey, e.Scope)
	if cur, ok := r.entries[k]; ok {
		cur.PayloadHash = e.PayloadHash
		cur.LastRecordID = e.LastRecordID
		cur.LastSeenAt = e.LastSeenAt
		return nil
	}
	cp := *e
	r.entries[k] = &cp
	return nil
}

func (r *memGuardRepo) DeleteGuard(_ context.Context, owner, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, guardKey(owner, scope))
	return r.err
}

func (r *memGuardRepo) DeleteGuardsBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.entries {
		if e.LastSeenAt.Before(before) {
			delete(r.entries, k)
			n++
		}
	}
	return n, r.err
}

type memRateStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	err      error
	deletes  int
	cutoffs  []int64
	incrCall int
}

func newMemRateStore() *memRateStore {
	return &memRateStore{counts: make(map[string]int64)}
}

func (s *memRateStore) Incr(_ context.Context, scope, key string, windowStartMs, _ int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrCall++
	if s.err != nil {
		return 0, s.err
	}
	k := scope + "|" + key + "|" + time.UnixMilli(windowStartMs).UTC().String()
	s.counts[k]++
	return s.counts[k], nil
}

func (s *memRateStore) DeleteBefore(_ context.Context, cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	s.cutoffs = append(s.cutoffs, cutoffMs)
	return 0, nil
}

func (s *memRateStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *memRateStore) deleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

type memCircuitRepo struct {
	mu      sync.Mutex
	records map[string]*CircuitRecord
	reads   int
	err     error
}

func newMemCircuitRepo() *memCircuitRepo {
	return &memCircuitRepo{records: make(map[string]*CircuitRecord)}
}

func (r *memCircuitRepo) GetCircuit(_ context.Context, scope string) (*CircuitRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.err != nil {
		return nil, r.err
	}
	rec, ok := r.records[scope]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *memCircuitRepo) SaveCircuit(_ context.Context, rec *CircuitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *rec
	r.records[rec.Scope] = &cp
	return nil
}

func (r *memCircuitRepo) ListCircuits(_ context.Context) ([]*CircuitRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]*CircuitRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (r *memCircuitRepo) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a *Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) all() []*Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Alert(nil), n.alerts...)
}

type memUsageRepo struct {
	mu        sync.Mutex
	events    []*UsageEvent
	err       error
	summaries []*UsageSummary
	counts    func(feature string, from, to time.Time) int64
}

func (r *memUsageRepo) SaveUsageEvent(_ context.Context, e *UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *memUsageRepo) BatchSaveUsageEvents(ctx context.Context, events []*UsageEvent) error {
	for _, e := range events {
		if err := r.SaveUsageEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *memUsageRepo) SummarizeUsage(_ context.Context, _ *UsageQuery) ([]*UsageSummary, error) {
	return r.summaries, r.err
}

func (r *memUsageRepo) CountUsageEvents(_ context.Context, feature string, from, to time.Time) (int64, error) {
	if r.counts == nil {
		return 0, r.err
	}
	return r.counts(feature, from, to), r.err
}

func (r *memUsageRepo) saved() []*UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*UsageEvent(nil), r.events...)
}

type fakeChatModel struct {
	resp *ChatResponse
	err  error
}

func (m *fakeChatModel) Complete(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	return m.resp, m.err
}

// memWalletRepo 以互斥锁模拟事务
type memWalletRepo struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	grants   map[string]*FreeCreditGrant
	topUps   map[string]*TopUp
	charges  map[string]*Charge
	err      error
	applyErr error
}

func newMemWalletRepo() *memWalletRepo {
	return &memWalletRepo{
		subs:    make(map[string]*Subscription),
		grants:  make(map[string]*FreeCreditGrant),
		topUps:  make(map[string]*TopUp),
		charges: make(map[string]*Charge),
	}
}

func (r *memWalletRepo) GetSubscription(_ context.Context, userID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.subs[userID], nil
}

func (r *memWalletRepo) SaveSubscription(_ context.Context, s *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.UserID] = s
	return r.err
}

func (r *memWalletRepo) GetFreeCreditGrant(_ context.Context, userID, feature string) (*FreeCreditGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	g, ok := r.grants[userID+"|"+feature]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (r *memWalletRepo) ListFreeCreditGrants(_ context.Context, userID string) ([]*FreeCreditGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*FreeCreditGrant
	for _, g := range r.grants {
		if g.UserID == userID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, r.err
}

func (r *memWalletRepo) CreateFreeCreditGrants(_ context.Context, grants []*FreeCreditGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range grants {
		k := g.UserID + "|" + g.FeatureKey
		if _, ok := r.grants[k]; !ok {
			cp := *g
			r.grants[k] = &cp
		}
	}
	return r.err
}

func (r *memWalletRepo) ListTopUps(_ context.Context, userID string) ([]*TopUp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*TopUp
	for _, t := range r.topUps {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memWalletRepo) CreateTopUp(_ context.Context, t *TopUp) (*TopUp, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.topUps {
		if cur.Reference == t.Reference {
			cp := *cur
			return &cp, false, nil
		}
	}
	cp := *t
	r.topUps[t.ID] = &cp
	return t, true, r.err
}

func (r *memWalletRepo) ApplyCharge(_ context.Context, c *Charge, covered CoverageFunc) (*Charge, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return nil, false, r.applyErr
	}
	for _, cur := range r.charges {
		if cur.UserID == c.UserID && cur.IdempotencyKey == c.IdempotencyKey {
			cp := *cur
			return &cp, true, nil
		}
	}

	var buckets []*TopUp
	for _, t := range r.topUps {
		if t.UserID == c.UserID {
			buckets = append(buckets, t)
		}
	}
	switch c.Source {
	case "subscription":
		if !covered(r.subs[c.UserID]) {
			return nil, false, govErrors.ErrInsufficientFunds
		}
	case "free_credit":
		g, ok := r.grants[c.UserID+"|"+c.FeatureKey]
		if !ok || g.Remaining() <= 0 {
			return nil, false, govErrors.ErrInsufficientFunds
		}
		g.Used++
	case "top_up":
		draws, err := PlanDraws(buckets, c.CostCents, c.CreatedAt)
		if err != nil {
			return nil, false, err
		}
		for _, d := range draws {
			r.topUps[d.TopUpID].UsedCents += d.Cents
		}
		c.Draws = draws
	}
	c.BalanceAfterCents = TotalAvailable(buckets, c.CreatedAt)
	cp := *c
	r.charges[c.ID] = &cp
	return c, false, nil
}

func (r *memWalletRepo) GetCharge(_ context.Context, userID, id string) (*Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.charges[id]
	if !ok || c.UserID != userID {
		return nil, r.err
	}
	cp := *c
	return &cp, r.err
}

func (r *memWalletRepo) GetChargeByKey(_ context.Context, userID, key string) (*Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.charges {
		if c.UserID == userID && c.IdempotencyKey == key {
			cp := *c
			return &cp, nil
		}
	}
	return nil, r.err
}

func (r *memWalletRepo) chargeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.charges)
}

type memCounters struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
	err    error
}

func (c *memCounters) IncrMonthlyUsage(_ context.Context, userID, feature, month string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.counts == nil {
		c.counts = make(map[string]map[string]int64)
	}
	k := userID + "|" + month
	if c.counts[k] == nil {
		c.counts[k] = make(map[string]int64)
	}
	c.counts[k][feature]++
	return nil
}

func (c *memCounters) GetMonthlyUsage(_ context.Context, userID, month string) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]int64)
	for k, v := range c.counts[userID+"|"+month] {
		out[k] = v
	}
	return out, nil
}
