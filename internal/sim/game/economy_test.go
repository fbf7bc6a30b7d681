package game

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idlegrove.app/internal/persistence/snapshot"
)

func TestDerive_EmptyState(t *testing.T) {
	m := newMachine(t)
	d := m.Derive(loaded(m))
	assert.Equal(t, 0.0, d.ProductionRate)
	assert.Equal(t, 1.0, d.ClickPower)
	assert.Empty(t, d.PerItemBreakdown)
	assert.InDelta(t, 0.1, d.PerItemUnitRate["seedling"], 1e-12)
}

func TestDerive_MultiplierLayers(t *testing.T) {
	m := newMachine(t)
	s := loadedFrom(m, func(save *snapshot.SaveV1) {
		setLevel(save.Producers, "seedling", 10)
		setLevel(save.Producers, "sapling", 2)
		setLevel(save.Producers, "compost", 1)
		setLevel(save.Producers, "pruning_shears", 1)
	})

	d := m.Derive(s)
	// seedling 0.1*10*2 (compost) = 2, sapling 1*2 = 2.
	assert.InDelta(t, 4.0, d.ProductionRate, 1e-9)
	assert.InDelta(t, 2.0, d.PerItemBreakdown["seedling"], 1e-9)
	assert.InDelta(t, 0.2, d.PerItemUnitRate["seedling"], 1e-9)
	assert.NotContains(t, d.PerItemBreakdown, "orchard_row")
	// (1 + 4*0.05) * 2 (shears)
	assert.InDelta(t, 2.4, d.ClickPower, 1e-9)
}

func TestDerive_SeedAchievementAndBuffBonuses(t *testing.T) {
	m := newMachine(t)
	s := loadedFrom(m, func(save *snapshot.SaveV1) {
		setLevel(save.Producers, "sapling", 1)
		save.PrestigeCurrency = 5
		save.Achievements = []string{"first_click", "click_100"}
	})
	base := m.Derive(s)
	// 1 * 1.5 (seeds) * 1.04 (achievements)
	assert.InDelta(t, 1.56, base.ProductionRate, 1e-9)

	s = m.Reduce(s, SpawnEvent{Type: EventFrenzy, Now: t0})
	s = m.Reduce(s, CollectEvent{Now: t0})
	buffed := m.Derive(s)
	assert.InDelta(t, 1.56*7, buffed.ProductionRate, 1e-9)

	s = m.Reduce(s, SpawnEvent{Type: EventChain, Now: t0})
	s = m.Reduce(s, CollectEvent{Now: t0})
	chained := m.Derive(s)
	assert.InDelta(t, (1+1.56*7*0.05)*777, chained.ClickPower, 1e-6)
}

func TestDerive_GenericProductionIsIdentityAtZero(t *testing.T) {
	m := newMachine(t)
	without := loadedFrom(m, func(save *snapshot.SaveV1) {
		setLevel(save.Producers, "sapling", 3)
	})
	with := loadedFrom(m, func(save *snapshot.SaveV1) {
		setLevel(save.Producers, "sapling", 3)
		setLevel(save.PrestigeUpgrades, "deep_roots", 2)
	})
	assert.InDelta(t, 3.0, m.Derive(without).ProductionRate, 1e-9)
	assert.InDelta(t, 3.3, m.Derive(with).ProductionRate, 1e-9)
}

func TestBulkCost(t *testing.T) {
	assert.Equal(t, 15.0, BulkCost(15, 1.15, 0, 1))
	assert.Equal(t, 304.0, BulkCost(15, 1.15, 0, 10))
	assert.Equal(t, 0.0, BulkCost(15, 1.15, 0, 0))
	// ratio below the floor is clamped instead of dividing by ~0.
	assert.False(t, math.IsInf(BulkCost(15, 1.0, 3, 5), 0))
	assert.Equal(t, BulkCost(15, 1.01, 3, 5), BulkCost(15, 0.5, 3, 5))
}

func TestSeedsToAward(t *testing.T) {
	cases := []struct {
		currency float64
		existing int64
		want     int64
	}{
		{0, 0, 0},
		{-10, 0, 0},
		{999_999, 0, 0},
		{1_000_000, 0, 1},
		{2_000_000, 0, 1},
		{4_000_000, 0, 2},
		{2_000_000, 1, 0},
		{3_000_000, 1, 1},
		{math.NaN(), 0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SeedsToAward(tc.currency, tc.existing), "currency=%v existing=%d", tc.currency, tc.existing)
	}
}

func TestComputeOfflineAward(t *testing.T) {
	rules := DefaultOfflineRules()
	rate := 1.7

	got, ok := ComputeOfflineAward(t0, t0.Add(2*time.Hour), rate, rules)
	require.True(t, ok)
	assert.Equal(t, math.Floor(7200*rate*0.5), got.CurrencyEarned)
	assert.Equal(t, 7200.0, got.TimeAwaySeconds)

	_, ok = ComputeOfflineAward(t0, t0.Add(60*time.Second), rate, rules)
	assert.False(t, ok, "exactly the threshold is not offline")

	_, ok = ComputeOfflineAward(t0, t0.Add(2*time.Hour), 0, rules)
	assert.False(t, ok)

	_, ok = ComputeOfflineAward(time.Time{}, t0, rate, rules)
	assert.False(t, ok, "no previous persist")

	capped, ok := ComputeOfflineAward(t0, t0.Add(72*time.Hour), rate, rules)
	require.True(t, ok)
	assert.Equal(t, math.Floor(86400*rate*0.5), capped.CurrencyEarned)
}

func TestUnlocked(t *testing.T) {
	m := newMachine(t)
	s := loaded(m)
	assert.True(t, m.Unlocked(s, "seedling"))
	assert.False(t, m.Unlocked(s, "sapling"))
	s = m.Reduce(s, AddCurrency{Amount: 50})
	assert.True(t, m.Unlocked(s, "sapling"))
	assert.False(t, m.Unlocked(s, "missing"))
}

func TestDigestAndCodec_ReplayMatches(t *testing.T) {
	m := newMachine(t)
	actions := []Action{
		Load{Now: t0},
		Click{Power: 1},
		AddCurrency{Amount: 5000},
		Buy{ID: "seedling", Amount: 3},
		SpawnEvent{Type: EventFrenzy, X: 0.25, Y: 0.75, Now: t0},
		CollectEvent{Now: t0.Add(time.Second)},
		Tick{Total: 2, Breakdown: map[string]float64{"seedling": 2}, DT: 0.1},
		ExpireBuffs{Now: t0.Add(time.Hour)},
		DespawnEvent{},
	}

	live := m.Default(time.Time{})
	var digests []string
	var journal [][]byte
	for _, a := range actions {
		live = m.Reduce(live, a)
		digests = append(digests, Digest(live))
		raw, err := EncodeAction(a)
		require.NoError(t, err)
		journal = append(journal, raw)
	}

	replayed := m.Default(time.Time{})
	for i, raw := range journal {
		a, err := DecodeAction(raw)
		require.NoError(t, err)
		assert.Equal(t, actions[i].Kind(), a.Kind())
		replayed = m.Reduce(replayed, a)
		assert.Equal(t, digests[i], Digest(replayed), "step %d", i)
	}

	_, err := DecodeAction([]byte(`{"kind":"TELEPORT"}`))
	assert.Error(t, err)
}
