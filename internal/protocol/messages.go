package protocol

import (
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
)

// HELLO (client -> server). A player_id marks an authenticated identity.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	PlayerID        string      `json:"player_id"`
	DisplayName     string      `json:"display_name"`
	Authenticated   bool        `json:"authenticated"`
	SaveVersion     int         `json:"save_version"`
	CatalogDigest   string      `json:"catalog_digest"`
	Catalog         CatalogView `json:"catalog"`
}

type CatalogView struct {
	Market       []catalogs.ItemDef        `json:"market"`
	Lab          []catalogs.ItemDef        `json:"lab"`
	Prestige     []catalogs.PrestigeDef    `json:"prestige"`
	Achievements []catalogs.AchievementDef `json:"achievements"`
}

func NewCatalogView(c *catalogs.Catalogs) CatalogView {
	return CatalogView{
		Market:       c.Market(),
		Lab:          c.Lab(),
		Prestige:     c.PrestigeShop(),
		Achievements: c.AchievementList(),
	}
}

// STATE (server -> client), sent after every applied change.
type StateMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Seq             uint64             `json:"seq"`
	State           *game.State        `json:"state"`
	Derived         game.Derived       `json:"derived"`
	NextCosts       map[string]float64 `json:"next_costs,omitempty"`
	OfflineAward    *game.OfflineAward `json:"offline_award,omitempty"`
}

// ACT (client -> server)
type ActMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Kind            string `json:"kind"`
	ID              string `json:"id,omitempty"`
	Amount          int    `json:"amount,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
