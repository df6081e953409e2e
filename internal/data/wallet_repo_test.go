package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/constants"
	"usage-governance/internal/data/model"
	govErrors "usage-governance/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWallet(t *testing.T) (*biz.WalletUseCase, biz.WalletRepo, *Data) {
	t.Helper()
	d, _ := newTestData(t)
	repo := NewWalletRepo(d, testLogger)
	guard := biz.NewWriteGuard(NewWriteGuardRepo(d, testLogger), testLogger)
	uc := biz.NewWalletUseCase(repo, NewUsageCounterRepo(d, testLogger), guard, biz.NewGovernanceConfig(nil), testLogger)
	return uc, repo, d
}

func creditTopUp(t *testing.T, uc *biz.WalletUseCase, user, ref string, cents int64, ttl time.Duration) *biz.TopUp {
	t.Helper()
	tu, err := uc.CreditTopUp(context.Background(), &biz.TopUp{
		UserID:      user,
		AmountCents: cents,
		ExpiresAt:   time.Now().Add(ttl),
		Reference:   ref,
	})
	require.NoError(t, err)
	return tu
}

func TestWalletSpendOrderOverDatabase(t *testing.T) {
	ctx := context.Background()
	uc, repo, d := newTestWallet(t)
	soon := creditTopUp(t, uc, "u1", "evt_soon", 30, 10*24*time.Hour)
	later := creditTopUp(t, uc, "u1", "evt_later", 100, 60*24*time.Hour)

	// an already expired bucket is never drawn
	require.NoError(t, d.db.Create(&model.CreditTopUp{
		TopUpID: "expired", UserID: "u1", AmountCents: 1000,
		ExpiresAt: time.Now().Add(-time.Hour).UTC(), Reference: "evt_old", CreatedAt: time.Now().UTC(),
	}).Error)

	res, err := uc.ApplyCharge(ctx, &biz.ChargeRequest{
		UserID: "u1", FeatureKey: "INTERACTION_ANALYSIS", Source: constants.ChargeSourceTopUp,
		CostCents: 50, IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.NewBalanceCents)

	buckets, err := repo.ListTopUps(ctx, "u1")
	require.NoError(t, err)
	used := map[string]int64{}
	for _, b := range buckets {
		used[b.ID] = b.UsedCents
	}
	assert.Equal(t, int64(30), used[soon.ID])
	assert.Equal(t, int64(20), used[later.ID])
	assert.Zero(t, used["expired"])

	charge, err := repo.GetCharge(ctx, "u1", res.ChargeID)
	require.NoError(t, err)
	require.Len(t, charge.Draws, 2)
	assert.Equal(t, biz.Draw{TopUpID: soon.ID, Cents: 30}, charge.Draws[0])

	status, err := uc.GetWalletStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), status.TotalAvailableCents)
	// the drained bucket is no longer listed
	require.Len(t, status.TopUps, 1)
	assert.Equal(t, later.ID, status.TopUps[0].ID)
	assert.Equal(t, int64(1), status.MonthlyUsage["INTERACTION_ANALYSIS"])
}

func TestWalletInsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	uc, repo, _ := newTestWallet(t)
	creditTopUp(t, uc, "u1", "evt_1", 30, 24*time.Hour)
	creditTopUp(t, uc, "u1", "evt_2", 15, 48*time.Hour)

	_, err := uc.ApplyCharge(ctx, &biz.ChargeRequest{
		UserID: "u1", FeatureKey: "MEDICAL_IMAGE_ANALYSIS", Source: constants.ChargeSourceTopUp,
		CostCents: 50, IdempotencyKey: "req-1",
	})
	assert.ErrorIs(t, err, govErrors.ErrInsufficientFunds)

	buckets, err := repo.ListTopUps(ctx, "u1")
	require.NoError(t, err)
	for _, b := range buckets {
		assert.Zero(t, b.UsedCents)
	}
	charge, err := repo.GetChargeByKey(ctx, "u1", "req-1")
	require.NoError(t, err)
	assert.Nil(t, charge)
}

func TestWalletConcurrentChargesSameKey(t *testing.T) {
	uc, repo, d := newTestWallet(t)
	creditTopUp(t, uc, "u1", "evt_1", 100, 24*time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := uc.ApplyCharge(context.Background(), &biz.ChargeRequest{
				UserID: "u1", FeatureKey: "FOOD_ANALYSIS", Source: constants.ChargeSourceTopUp,
				CostCents: 10, IdempotencyKey: "req-1",
			})
			if err == nil && !res.Duplicate {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	var n int64
	require.NoError(t, d.db.Model(&model.WalletCharge{}).Where("user_id = ?", "u1").Count(&n).Error)
	assert.Equal(t, int64(1), n)
	buckets, err := repo.ListTopUps(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), buckets[0].UsedCents)
}

func TestWalletRepoDuplicateKeyWithoutGuard(t *testing.T) {
	ctx := context.Background()
	uc, repo, _ := newTestWallet(t)
	creditTopUp(t, uc, "u1", "evt_1", 100, 24*time.Hour)
	covered := func(*biz.Subscription) bool { return false }

	first, dup, err := repo.ApplyCharge(ctx, &biz.Charge{
		ID: "c1", UserID: "u1", FeatureKey: "FOOD_ANALYSIS", Source: constants.ChargeSourceTopUp,
		CostCents: 10, IdempotencyKey: "k", CreatedAt: time.Now(),
	}, covered)
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := repo.ApplyCharge(ctx, &biz.Charge{
		ID: "c2", UserID: "u1", FeatureKey: "FOOD_ANALYSIS", Source: constants.ChargeSourceTopUp,
		CostCents: 10, IdempotencyKey: "k", CreatedAt: time.Now(),
	}, covered)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)

	buckets, err := repo.ListTopUps(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), buckets[0].UsedCents)
}

func TestWalletFreeCreditsAndSubscriptionOverDatabase(t *testing.T) {
	ctx := context.Background()
	uc, repo, _ := newTestWallet(t)
	require.NoError(t, uc.GrantFreeCredits(ctx, "u1"))
	require.NoError(t, uc.GrantFreeCredits(ctx, "u1"))

	grants, err := repo.ListFreeCreditGrants(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, grants, len(biz.DefaultFreeCredits()))

	_, err = uc.ApplyCharge(ctx, &biz.ChargeRequest{
		UserID: "u1", FeatureKey: "HEALTH_INTAKE", Source: constants.ChargeSourceFreeCredit,
		CostCents: 10, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	_, err = uc.ApplyCharge(ctx, &biz.ChargeRequest{
		UserID: "u1", FeatureKey: "HEALTH_INTAKE", Source: constants.ChargeSourceFreeCredit,
		CostCents: 10, IdempotencyKey: "k2",
	})
	assert.ErrorIs(t, err, govErrors.ErrInsufficientFunds)

	// subscription without end date is active
	require.NoError(t, uc.SetSubscription(ctx, "u1", "PREMIUM", nil))
	a, err := uc.CheckAllowance(ctx, "u1", "HEALTH_INTAKE")
	require.NoError(t, err)
	assert.Equal(t, constants.ChargeSourceSubscription, a.Source)

	res, err := uc.ApplyCharge(ctx, &biz.ChargeRequest{
		UserID: "u1", FeatureKey: "HEALTH_INTAKE", Source: constants.ChargeSourceSubscription,
		CostCents: 10, IdempotencyKey: "k3",
	})
	require.NoError(t, err)
	assert.Zero(t, res.NewBalanceCents)

	ended := time.Now().Add(-time.Hour)
	require.NoError(t, uc.SetSubscription(ctx, "u1", "PREMIUM", &ended))
	status, err := uc.GetWalletStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, biz.PlanFree, status.Plan)
	assert.Zero(t, status.FreeCredits["HEALTH_INTAKE"])
}

func TestCreateTopUpIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	uc, repo, _ := newTestWallet(t)
	first := creditTopUp(t, uc, "u1", "evt_123", 500, 24*time.Hour)
	again := creditTopUp(t, uc, "u1", "evt_123", 500, 24*time.Hour)
	assert.Equal(t, first.ID, again.ID)

	buckets, err := repo.ListTopUps(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, buckets, 1)
}

func TestCreateTopUpReferenceScopedToUser(t *testing.T) {
	ctx := context.Background()
	uc, repo, _ := newTestWallet(t)
	alice := creditTopUp(t, uc, "alice", "evt_shared", 500, 24*time.Hour)
	bob := creditTopUp(t, uc, "bob", "evt_shared", 300, 24*time.Hour)

	assert.NotEqual(t, alice.ID, bob.ID)
	assert.Equal(t, "bob", bob.UserID)
	assert.Equal(t, int64(300), bob.AmountCents)

	buckets, err := repo.ListTopUps(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(300), buckets[0].AmountCents)

	status, err := uc.GetWalletStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), status.TotalAvailableCents)
}

func TestWalletConcurrentChargesCannotOverdraw(t *testing.T) {
	uc, repo, d := newTestWallet(t)
	creditTopUp(t, uc, "u1", "evt_1", 10, 24*time.Hour)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		applied      int
		insufficient int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := uc.ApplyCharge(context.Background(), &biz.ChargeRequest{
				UserID: "u1", FeatureKey: "FOOD_ANALYSIS", Source: constants.ChargeSourceTopUp,
				CostCents: 10, IdempotencyKey: fmt.Sprintf("req-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, govErrors.ErrInsufficientFunds):
				insufficient++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, insufficient)
	var n int64
	require.NoError(t, d.db.Model(&model.WalletCharge{}).Where("user_id = ?", "u1").Count(&n).Error)
	assert.Equal(t, int64(1), n)
	buckets, err := repo.ListTopUps(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(10), buckets[0].UsedCents)
}
