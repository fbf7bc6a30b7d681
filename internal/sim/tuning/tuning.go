package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	FrameMs        int `yaml:"frame_ms"`
	PersistEveryMs int `yaml:"persist_every_ms"`

	// LeaderboardEveryMs is how often an authenticated session upserts its score.
	LeaderboardEveryMs  int `yaml:"leaderboard_every_ms"`
	AchievementsEveryMs int `yaml:"achievements_every_ms"`
	BuffSweepEveryMs    int `yaml:"buff_sweep_every_ms"`
	TeardownSaveMs      int `yaml:"teardown_save_ms"`

	Events  Events  `yaml:"events"`
	Offline Offline `yaml:"offline"`
}

type Events struct {
	SpawnEveryMs  int     `yaml:"spawn_every_ms"`
	LifetimeMs    int     `yaml:"lifetime_ms"`
	BaseChance    float64 `yaml:"base_chance"`
	ChancePerSeed float64 `yaml:"chance_per_seed"`
	MaxChance     float64 `yaml:"max_chance"`
	FrenzyWeight  float64 `yaml:"frenzy_weight"`
}

type Offline struct {
	ThresholdSec int     `yaml:"threshold_sec"`
	CapSec       int     `yaml:"cap_sec"`
	Efficiency   float64 `yaml:"efficiency"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		FrameMs:             100,
		PersistEveryMs:      10_000,
		LeaderboardEveryMs:  60_000,
		AchievementsEveryMs: 2_000,
		BuffSweepEveryMs:    1_000,
		TeardownSaveMs:      5_000,
		Events: Events{
			SpawnEveryMs:  10_000,
			LifetimeMs:    20_000,
			BaseChance:    0.01,
			ChancePerSeed: 0.01,
			MaxChance:     0.25,
			FrenzyWeight:  0.7,
		},
		Offline: Offline{
			ThresholdSec: 60,
			CapSec:       24 * 60 * 60,
			Efficiency:   0.5,
		},
	}
}

// Load overlays tuning.yaml on top of Defaults; absent keys keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	for name, v := range map[string]int{
		"frame_ms":              t.FrameMs,
		"persist_every_ms":      t.PersistEveryMs,
		"leaderboard_every_ms":  t.LeaderboardEveryMs,
		"achievements_every_ms": t.AchievementsEveryMs,
		"buff_sweep_every_ms":   t.BuffSweepEveryMs,
		"events.spawn_every_ms": t.Events.SpawnEveryMs,
		"events.lifetime_ms":    t.Events.LifetimeMs,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if t.Events.FrenzyWeight < 0 || t.Events.FrenzyWeight > 1 {
		return fmt.Errorf("events.frenzy_weight must be within [0,1]")
	}
	if t.Offline.Efficiency < 0 {
		return fmt.Errorf("offline.efficiency must not be negative")
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (t Tuning) Frame() time.Duration             { return ms(t.FrameMs) }
func (t Tuning) PersistEvery() time.Duration      { return ms(t.PersistEveryMs) }
func (t Tuning) LeaderboardEvery() time.Duration  { return ms(t.LeaderboardEveryMs) }
func (t Tuning) AchievementsEvery() time.Duration { return ms(t.AchievementsEveryMs) }
func (t Tuning) BuffSweepEvery() time.Duration    { return ms(t.BuffSweepEveryMs) }
func (t Tuning) SpawnEvery() time.Duration        { return ms(t.Events.SpawnEveryMs) }
func (t Tuning) EventLifetime() time.Duration     { return ms(t.Events.LifetimeMs) }

func (t Tuning) TeardownSave() time.Duration {
	if t.TeardownSaveMs <= 0 {
		return 5 * time.Second
	}
	return ms(t.TeardownSaveMs)
}
