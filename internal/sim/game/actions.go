package game

import (
	"time"

	"idlegrove.app/internal/persistence/snapshot"
)

type ActionKind string

const (
	KindLoad               ActionKind = "LOAD"
	KindClick              ActionKind = "CLICK"
	KindTick               ActionKind = "TICK"
	KindBuy                ActionKind = "BUY"
	KindPrestige           ActionKind = "PRESTIGE"
	KindBuyPrestigeUpgrade ActionKind = "BUY_PRESTIGE_UPGRADE"
	KindUnlockAchievement  ActionKind = "UNLOCK_ACHIEVEMENT"
	KindSpawnEvent         ActionKind = "SPAWN_EVENT"
	KindCollectEvent       ActionKind = "CLICK_EVENT"
	KindDespawnEvent       ActionKind = "DESPAWN_EVENT"
	KindExpireBuffs        ActionKind = "EXPIRE_BUFFS"
	KindAddCurrency        ActionKind = "ADD_CURRENCY"
)

// Action is the closed set of inputs accepted by Machine.Reduce.
type Action interface {
	Kind() ActionKind
}

// Load replaces the state with a save merged over catalog defaults.
// A nil Save or a version mismatch yields fresh defaults.
type Load struct {
	Save *snapshot.SaveV1 `json:"save,omitempty"`
	Now  time.Time        `json:"now"`
}

// Click credits Power, which the caller takes from Derive.
type Click struct {
	Power float64 `json:"power"`
}

type Tick struct {
	Total     float64            `json:"total"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	DT        float64            `json:"dt"`
}

type Buy struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

type Prestige struct {
	Now time.Time `json:"now"`
}

type BuyPrestigeUpgrade struct {
	ID string `json:"id"`
}

type UnlockAchievement struct {
	ID string `json:"id"`
}

type SpawnEvent struct {
	Type EventType `json:"type"`
	X    float64   `json:"x"`
	Y    float64   `json:"y"`
	Now  time.Time `json:"now"`
}

type CollectEvent struct {
	Now time.Time `json:"now"`
}

type DespawnEvent struct{}

type ExpireBuffs struct {
	Now time.Time `json:"now"`
}

// AddCurrency credits an amount earned outside the tick loop (the offline award).
type AddCurrency struct {
	Amount float64 `json:"amount"`
}

func (Load) Kind() ActionKind               { return KindLoad }
func (Click) Kind() ActionKind              { return KindClick }
func (Tick) Kind() ActionKind               { return KindTick }
func (Buy) Kind() ActionKind                { return KindBuy }
func (Prestige) Kind() ActionKind           { return KindPrestige }
func (BuyPrestigeUpgrade) Kind() ActionKind { return KindBuyPrestigeUpgrade }
func (UnlockAchievement) Kind() ActionKind  { return KindUnlockAchievement }
func (SpawnEvent) Kind() ActionKind         { return KindSpawnEvent }
func (CollectEvent) Kind() ActionKind       { return KindCollectEvent }
func (DespawnEvent) Kind() ActionKind       { return KindDespawnEvent }
func (ExpireBuffs) Kind() ActionKind        { return KindExpireBuffs }
func (AddCurrency) Kind() ActionKind        { return KindAddCurrency }
