package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"spreadtrader/internal/models"
)

// SettingsStore is the flat key/value configuration table. Values are
// strings; the typed getters fall back to the caller's default on absence or
// malformed input.
type SettingsStore struct {
	db *sql.DB
}

// Get returns the raw string value, or "" with found=false.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set writes a setting.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// GetFloat parses a float setting, returning def when absent or malformed.
func (s *SettingsStore) GetFloat(ctx context.Context, key string, def float64) float64 {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return def
	}
	return v
}

// GetInt parses an int setting, returning def when absent or malformed.
func (s *SettingsStore) GetInt(ctx context.Context, key string, def int) int {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

// GetBool parses a bool setting, returning def when absent or malformed.
func (s *SettingsStore) GetBool(ctx context.Context, key string, def bool) bool {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

// GetString returns a string setting, or def when absent.
func (s *SettingsStore) GetString(ctx context.Context, key, def string) string {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return def
	}
	return raw
}

// Risk flag keys.
const (
	keySystemMode     = "SYSTEM_MODE"
	keyRiskState      = "RISK_STATE"
	keyEmergencyExits = "EMERGENCY_EXITS_TODAY"
	keyLastDailyReset = "LAST_DAILY_RESET"
)

// RiskStateStore holds the process-wide persisted risk flags. HARD_STOP in
// the system mode survives daily resets and only ClearHardStop removes it.
type RiskStateStore struct {
	db *sql.DB
}

func (r *RiskStateStore) get(ctx context.Context, key, def string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM risk_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return value, nil
}

func (r *RiskStateStore) set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO risk_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// SystemMode returns the current operating mode, defaulting to NORMAL.
func (r *RiskStateStore) SystemMode(ctx context.Context) (models.SystemMode, error) {
	v, err := r.get(ctx, keySystemMode, string(models.SystemNormal))
	return models.SystemMode(v), err
}

// SetSystemMode writes the operating mode.
func (r *RiskStateStore) SetSystemMode(ctx context.Context, mode models.SystemMode) error {
	return r.set(ctx, keySystemMode, string(mode))
}

// ClearHardStop is the manual action returning a HARD_STOP system to NORMAL.
func (r *RiskStateStore) ClearHardStop(ctx context.Context) error {
	return r.set(ctx, keySystemMode, string(models.SystemNormal))
}

// State returns the daily risk state, defaulting to NORMAL.
func (r *RiskStateStore) State(ctx context.Context) (models.RiskState, error) {
	v, err := r.get(ctx, keyRiskState, string(models.RiskNormal))
	return models.RiskState(v), err
}

// SetState writes the daily risk state.
func (r *RiskStateStore) SetState(ctx context.Context, state models.RiskState) error {
	return r.set(ctx, keyRiskState, string(state))
}

// EmergencyExitsToday returns today's emergency exit count.
func (r *RiskStateStore) EmergencyExitsToday(ctx context.Context) (int, error) {
	v, err := r.get(ctx, keyEmergencyExits, "0")
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, nil
	}
	return n, nil
}

// RecordEmergencyExit bumps the counter, sets the daily risk state and
// returns the new count so the caller can apply the hard-stop rule.
func (r *RiskStateStore) RecordEmergencyExit(ctx context.Context) (int, error) {
	n, err := r.EmergencyExitsToday(ctx)
	if err != nil {
		return 0, err
	}
	n++
	if err := r.set(ctx, keyEmergencyExits, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	if err := r.SetState(ctx, models.RiskEmergencyExit); err != nil {
		return 0, err
	}
	return n, nil
}

// DailyReset clears the daily flags and counters. HARD_STOP is deliberately
// untouched.
func (r *RiskStateStore) DailyReset(ctx context.Context, now time.Time) error {
	if err := r.set(ctx, keyRiskState, string(models.RiskNormal)); err != nil {
		return err
	}
	if err := r.set(ctx, keyEmergencyExits, "0"); err != nil {
		return err
	}
	return r.set(ctx, keyLastDailyReset, now.UTC().Format(time.RFC3339))
}

// LastDailyReset returns when the daily reset last ran, zero when never.
func (r *RiskStateStore) LastDailyReset(ctx context.Context) (time.Time, error) {
	v, err := r.get(ctx, keyLastDailyReset, "")
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, parseErr := time.Parse(time.RFC3339, v)
	if parseErr != nil {
		return time.Time{}, nil
	}
	return t, nil
}
