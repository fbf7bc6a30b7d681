package game

import (
	"encoding/json"
	"fmt"
)

type encodedAction struct {
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeAction(a Action) ([]byte, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	return json.Marshal(encodedAction{Kind: a.Kind(), Payload: payload})
}

func DecodeAction(raw []byte) (Action, error) {
	var env encodedAction
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	var (
		a   Action
		err error
	)
	switch env.Kind {
	case KindLoad:
		a, err = decodeInto[Load](env.Payload)
	case KindClick:
		a, err = decodeInto[Click](env.Payload)
	case KindTick:
		a, err = decodeInto[Tick](env.Payload)
	case KindBuy:
		a, err = decodeInto[Buy](env.Payload)
	case KindPrestige:
		a, err = decodeInto[Prestige](env.Payload)
	case KindBuyPrestigeUpgrade:
		a, err = decodeInto[BuyPrestigeUpgrade](env.Payload)
	case KindUnlockAchievement:
		a, err = decodeInto[UnlockAchievement](env.Payload)
	case KindSpawnEvent:
		a, err = decodeInto[SpawnEvent](env.Payload)
	case KindCollectEvent:
		a, err = decodeInto[CollectEvent](env.Payload)
	case KindDespawnEvent:
		a = DespawnEvent{}
	case KindExpireBuffs:
		a, err = decodeInto[ExpireBuffs](env.Payload)
	case KindAddCurrency:
		a, err = decodeInto[AddCurrency](env.Payload)
	default:
		return nil, fmt.Errorf("decode action: unknown kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return a, nil
}

func decodeInto[T Action](raw json.RawMessage) (Action, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
