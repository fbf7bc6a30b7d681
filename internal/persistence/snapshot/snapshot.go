package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	SaveVersion int    `json:"save_version"`
	PlayerID    string `json:"player_id"`
	PersistedAt int64  `json:"persisted_at"`
}

// SaveV1 is the persisted subset of a game state. Active events and buffs are never saved.
// Timestamps are unix milliseconds.
type SaveV1 struct {
	Header Header `json:"header"`

	Currency                  float64            `json:"currency"`
	LifetimeCurrency          float64            `json:"lifetime_currency"`
	Producers                 []LevelV1          `json:"producers"`
	PerItemLifetimeProduction map[string]float64 `json:"per_item_lifetime_production"`
	PrestigeCurrency          int64              `json:"prestige_currency"`
	PrestigeCount             int                `json:"prestige_count"`
	PrestigeUpgrades          []LevelV1          `json:"prestige_upgrades"`
	Achievements              []string           `json:"achievements"`
	SessionStartTime          int64              `json:"session_start_time"`
	LastPersistTime           int64              `json:"last_persist_time"`
	Stats                     StatsV1            `json:"stats"`
	SaveVersion               int                `json:"save_version"`
}

type LevelV1 struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

type StatsV1 struct {
	TotalManualActions    int64   `json:"total_manual_actions"`
	TotalCurrencyProduced float64 `json:"total_currency_produced"`
	TotalPlayTimeSeconds  float64 `json:"total_play_time_seconds"`
}

// WriteSave writes atomically: the file at path is either the old save or the new one.
func WriteSave(path string, save SaveV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := encode(tmp, save); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func encode(f *os.File, save SaveV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(save.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&save); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSave(path string) (SaveV1, error) {
	var save SaveV1
	f, err := os.Open(path)
	if err != nil {
		return save, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return save, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// Header line is for tools that only need the version; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return save, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&save); err != nil {
		return save, fmt.Errorf("gob decode: %w", err)
	}
	return save, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}
