package catalogs

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

//go:embed defaults/*.json
var defaultFiles embed.FS

const (
	itemsFile        = "items.json"
	prestigeFile     = "prestige.json"
	achievementsFile = "achievements.json"
	versionFile      = "version.json"
)

type Catalogs struct {
	SaveVersion int

	Items        ItemCatalog
	Prestige     PrestigeCatalog
	Achievements AchievementCatalog

	// Digest covers every catalog file plus the save version.
	Digest string
}

type ItemCatalog struct {
	Defs   []ItemDef
	Index  map[string]int
	Digest string
}

type ItemKind string

const (
	KindAuto       ItemKind = "auto"
	KindMultiplier ItemKind = "multiplier"
	// KindClick is kept so old catalog files still decode; nothing produces it.
	KindClick ItemKind = "click"
)

type Shop string

const (
	ShopMarket Shop = "market"
	ShopLab    Shop = "lab"
)

type ItemDef struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Kind      ItemKind `json:"kind"`
	Shop      Shop     `json:"shop"`
	BaseCost  float64  `json:"base_cost"`
	CostRatio float64  `json:"cost_ratio"`
	Level     int      `json:"level,omitempty"`
	UnlockAt  float64  `json:"unlock_at"`
	// MaxLevel 0 means uncapped; 1 is a one-time purchase.
	MaxLevel           int     `json:"max_level,omitempty"`
	AutoSignal         float64 `json:"auto_signal,omitempty"`
	MultiplierPerLevel float64 `json:"multiplier_per_level,omitempty"`
	Target             Target  `json:"target,omitempty"`
}

func (d ItemDef) Capped() bool { return d.MaxLevel > 0 }

type PrestigeCatalog struct {
	Defs   []PrestigeDef
	Index  map[string]int
	Digest string
}

type PrestigeEffect string

const (
	EffectStartTrees        PrestigeEffect = "start_trees"
	EffectCostScaling       PrestigeEffect = "cost_scaling"
	EffectAppleRate         PrestigeEffect = "apple_rate"
	EffectRetainTrees       PrestigeEffect = "retain_trees"
	EffectGenericProduction PrestigeEffect = "generic_production"
)

type PrestigeDef struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Cost        int64          `json:"cost"`
	MaxLevel    int            `json:"max_level"`
	Effect      PrestigeEffect `json:"effect"`
	EffectValue float64        `json:"effect_value"`
	Level       int            `json:"level,omitempty"`
}

type AchievementCatalog struct {
	Defs   []AchievementDef
	Index  map[string]int
	Digest string
}

type AchievementCondition string

const (
	ConditionClickTotal    AchievementCondition = "click_total"
	ConditionTreesLifetime AchievementCondition = "trees_lifetime"
	ConditionUpgradesOwned AchievementCondition = "upgrades_owned"
)

type AchievementDef struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Condition AchievementCondition `json:"condition"`
	Threshold float64              `json:"threshold"`
}

// Default returns the catalogs compiled into the binary.
func Default() (*Catalogs, error) {
	sub, err := fs.Sub(defaultFiles, "defaults")
	if err != nil {
		return nil, err
	}
	return LoadFS(sub)
}

// MustDefault is Default for package-level setup and tests.
func MustDefault() *Catalogs {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads catalog files from configDir.
func Load(configDir string) (*Catalogs, error) {
	return LoadFS(os.DirFS(configDir))
}

func LoadFS(fsys fs.FS) (*Catalogs, error) {
	var c Catalogs

	versionRaw, err := fs.ReadFile(fsys, versionFile)
	if err != nil {
		return nil, err
	}
	var ver struct {
		SaveVersion int `json:"save_version"`
	}
	if err := json.Unmarshal(versionRaw, &ver); err != nil {
		return nil, fmt.Errorf("%s: %w", versionFile, err)
	}
	if ver.SaveVersion <= 0 {
		return nil, fmt.Errorf("%s: save_version must be positive", versionFile)
	}
	c.SaveVersion = ver.SaveVersion

	itemsRaw, err := fs.ReadFile(fsys, itemsFile)
	if err != nil {
		return nil, err
	}
	if err := loadItems(itemsRaw, &c.Items); err != nil {
		return nil, err
	}
	prestigeRaw, err := fs.ReadFile(fsys, prestigeFile)
	if err != nil {
		return nil, err
	}
	if err := loadPrestige(prestigeRaw, &c.Prestige); err != nil {
		return nil, err
	}
	achRaw, err := fs.ReadFile(fsys, achievementsFile)
	if err != nil {
		return nil, err
	}
	if err := loadAchievements(achRaw, &c.Achievements); err != nil {
		return nil, err
	}

	var concat bytes.Buffer
	for _, b := range [][]byte{versionRaw, itemsRaw, prestigeRaw, achRaw} {
		concat.Write(b)
		concat.WriteByte('\n')
	}
	c.Digest = sha256Hex(concat.Bytes())
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadItems(raw []byte, out *ItemCatalog) error {
	out.Digest = sha256Hex(raw)

	var defs []ItemDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("%s: %w", itemsFile, err)
	}
	out.Index = make(map[string]int, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("%s: empty id at index %d", itemsFile, i)
		}
		if _, dup := out.Index[d.ID]; dup {
			return fmt.Errorf("%s: duplicate id %s", itemsFile, d.ID)
		}
		switch d.Kind {
		case KindAuto, KindMultiplier, KindClick:
		default:
			return fmt.Errorf("%s: %s: unknown kind %q", itemsFile, d.ID, d.Kind)
		}
		if d.MaxLevel < 0 || d.Level < 0 {
			return fmt.Errorf("%s: %s: negative level bounds", itemsFile, d.ID)
		}
		if d.Capped() && d.Level > d.MaxLevel {
			return fmt.Errorf("%s: %s: default level above max_level", itemsFile, d.ID)
		}
		out.Index[d.ID] = i
	}
	for _, d := range defs {
		if d.Target.Kind == TargetSpecific {
			if _, ok := out.Index[d.Target.ID]; !ok {
				return fmt.Errorf("%s: %s: unknown target %s", itemsFile, d.ID, d.Target.ID)
			}
		}
	}
	out.Defs = defs
	return nil
}

func loadPrestige(raw []byte, out *PrestigeCatalog) error {
	out.Digest = sha256Hex(raw)

	var defs []PrestigeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("%s: %w", prestigeFile, err)
	}
	out.Index = make(map[string]int, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("%s: empty id at index %d", prestigeFile, i)
		}
		if _, dup := out.Index[d.ID]; dup {
			return fmt.Errorf("%s: duplicate id %s", prestigeFile, d.ID)
		}
		switch d.Effect {
		case EffectStartTrees, EffectCostScaling, EffectAppleRate, EffectRetainTrees, EffectGenericProduction:
		default:
			return fmt.Errorf("%s: %s: unknown effect %q", prestigeFile, d.ID, d.Effect)
		}
		if d.MaxLevel <= 0 {
			return fmt.Errorf("%s: %s: max_level must be positive", prestigeFile, d.ID)
		}
		out.Index[d.ID] = i
	}
	out.Defs = defs
	return nil
}

func loadAchievements(raw []byte, out *AchievementCatalog) error {
	out.Digest = sha256Hex(raw)

	var defs []AchievementDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("%s: %w", achievementsFile, err)
	}
	out.Index = make(map[string]int, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("%s: empty id at index %d", achievementsFile, i)
		}
		if _, dup := out.Index[d.ID]; dup {
			return fmt.Errorf("%s: duplicate id %s", achievementsFile, d.ID)
		}
		switch d.Condition {
		case ConditionClickTotal, ConditionTreesLifetime, ConditionUpgradesOwned:
		default:
			return fmt.Errorf("%s: %s: unknown condition %q", achievementsFile, d.ID, d.Condition)
		}
		out.Index[d.ID] = i
	}
	out.Defs = defs
	return nil
}

func (c *Catalogs) Item(id string) (ItemDef, bool) {
	i, ok := c.Items.Index[id]
	if !ok {
		return ItemDef{}, false
	}
	return c.Items.Defs[i], true
}

func (c *Catalogs) PrestigeUpgrade(id string) (PrestigeDef, bool) {
	i, ok := c.Prestige.Index[id]
	if !ok {
		return PrestigeDef{}, false
	}
	return c.Prestige.Defs[i], true
}

func (c *Catalogs) Achievement(id string) (AchievementDef, bool) {
	i, ok := c.Achievements.Index[id]
	if !ok {
		return AchievementDef{}, false
	}
	return c.Achievements.Defs[i], true
}

// Market lists producers ordered by unlock threshold.
func (c *Catalogs) Market() []ItemDef {
	out := make([]ItemDef, 0, len(c.Items.Defs))
	for _, d := range c.Items.Defs {
		if d.Kind == KindAuto {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UnlockAt < out[j].UnlockAt })
	return out
}

func (c *Catalogs) Lab() []ItemDef {
	out := make([]ItemDef, 0, len(c.Items.Defs))
	for _, d := range c.Items.Defs {
		if d.Kind == KindMultiplier {
			out = append(out, d)
		}
	}
	return out
}

func (c *Catalogs) PrestigeShop() []PrestigeDef {
	return append([]PrestigeDef(nil), c.Prestige.Defs...)
}

func (c *Catalogs) AchievementList() []AchievementDef {
	return append([]AchievementDef(nil), c.Achievements.Defs...)
}
