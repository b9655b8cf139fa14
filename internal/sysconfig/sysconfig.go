// Package sysconfig is the typed key/value configuration service. Reads
// resolve the entry whose environment matches the process environment,
// falling back to ALL; read-only keys reject writes and critical keys reject
// deletion.
package sysconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/coinblend/mixcore/internal/cache"
	"github.com/coinblend/mixcore/internal/mixerr"
)

// Category of a configuration key.
type Category string

const (
	CategoryMixing   Category = "MIXING"
	CategorySecurity Category = "SECURITY"
	CategoryNetwork  Category = "NETWORK"
	CategoryPool     Category = "POOL"
	CategorySystem   Category = "SYSTEM"
)

// ValueType declares how a value string is interpreted.
type ValueType string

const (
	TypeString    ValueType = "STRING"
	TypeNumber    ValueType = "NUMBER"
	TypeBoolean   ValueType = "BOOLEAN"
	TypeJSON      ValueType = "JSON"
	TypeEncrypted ValueType = "ENCRYPTED"
)

// Environment scopes an entry.
type Environment string

const (
	EnvDevelopment Environment = "DEVELOPMENT"
	EnvStaging     Environment = "STAGING"
	EnvProduction  Environment = "PRODUCTION"
	EnvAll         Environment = "ALL"
)

// Entry is one configuration row.
type Entry struct {
	Key             string      `db:"key"`
	Environment     Environment `db:"environment"`
	Value           string      `db:"value"`
	ValueType       ValueType   `db:"value_type"`
	Category        Category    `db:"category"`
	Description     string      `db:"description"`
	ReadOnly        bool        `db:"read_only"`
	Critical        bool        `db:"critical"`
	RequiresRestart bool        `db:"requires_restart"`
	Version         int         `db:"version"`
	CreatedAt       time.Time   `db:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at"`
}

func (e *Entry) validateValue() error {
	switch e.ValueType {
	case TypeNumber:
		if _, err := strconv.ParseFloat(e.Value, 64); err != nil {
			return mixerr.Validation("value is not a number").WithDetail("key", e.Key)
		}
	case TypeBoolean:
		switch strings.ToLower(e.Value) {
		case "true", "false":
		default:
			return mixerr.Validation("value is not a boolean").WithDetail("key", e.Key)
		}
	case TypeJSON:
		if !json.Valid([]byte(e.Value)) {
			return mixerr.Validation("value is not valid json").WithDetail("key", e.Key)
		}
	case TypeString, TypeEncrypted:
	default:
		return mixerr.Validation("unknown value type").WithDetail("type", string(e.ValueType))
	}
	return nil
}

// Service reads and writes system configuration.
type Service struct {
	db    *sqlx.DB
	env   Environment
	cache *cache.Cache
}

// New creates the service. cache may be nil.
func New(db *sqlx.DB, env Environment, c *cache.Cache) *Service {
	return &Service{db: db, env: env, cache: c}
}

const columns = `
	key, environment, value, value_type, category, description, read_only,
	critical, requires_restart, version, created_at, updated_at`

// Get resolves key for the process environment, falling back to ALL.
func (s *Service) Get(ctx context.Context, key string) (*Entry, error) {
	cacheKey := "sysconfig:" + key + ":" + string(s.env)
	if s.cache != nil {
		var cached Entry
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	var e Entry
	err := s.db.GetContext(ctx, &e, `
		SELECT `+columns+` FROM system_config
		WHERE key = $1 AND environment IN ($2, 'ALL')
		ORDER BY CASE environment WHEN 'ALL' THEN 1 ELSE 0 END
		LIMIT 1`, key, s.env)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mixerr.NotFound("config", key)
		}
		return nil, mixerr.Transient("read config", err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, &e, time.Minute)
	}
	return &e, nil
}

// GetString returns the raw value, or fallback when absent.
func (s *Service) GetString(ctx context.Context, key, fallback string) string {
	e, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return e.Value
}

// GetNumber returns a numeric value, or fallback.
func (s *Service) GetNumber(ctx context.Context, key string, fallback float64) float64 {
	e, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseFloat(e.Value, 64)
	if err != nil {
		return fallback
	}
	return v
}

// GetInt returns an integer value, or fallback.
func (s *Service) GetInt(ctx context.Context, key string, fallback int) int {
	return int(s.GetNumber(ctx, key, float64(fallback)))
}

// GetBool returns a boolean value, or fallback.
func (s *Service) GetBool(ctx context.Context, key string, fallback bool) bool {
	e, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return strings.EqualFold(e.Value, "true")
}

// Set creates or updates an entry. Read-only keys reject writes; the version
// counter increments whenever the value changes.
func (s *Service) Set(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return mixerr.Validation("config key required")
	}
	if e.Environment == "" {
		e.Environment = EnvAll
	}
	if e.ValueType == "" {
		e.ValueType = TypeString
	}
	if err := e.validateValue(); err != nil {
		return err
	}

	existing := &Entry{}
	err := s.db.GetContext(ctx, existing, `
		SELECT `+columns+` FROM system_config WHERE key = $1 AND environment = $2`,
		e.Key, e.Environment)
	switch {
	case err == nil:
		if existing.ReadOnly {
			return mixerr.Validation("config key is read-only").WithDetail("key", e.Key)
		}
		version := existing.Version
		if existing.Value != e.Value {
			version++
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE system_config SET
				value = $3, value_type = $4, category = $5, description = $6,
				requires_restart = $7, version = $8, updated_at = $9
			WHERE key = $1 AND environment = $2`,
			e.Key, e.Environment, e.Value, e.ValueType, e.Category, e.Description,
			e.RequiresRestart, version, time.Now().UTC())
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO system_config (`+columns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$10)`,
			e.Key, e.Environment, e.Value, e.ValueType, e.Category, e.Description,
			e.ReadOnly, e.Critical, e.RequiresRestart, now)
	default:
		return mixerr.Transient("read config", err)
	}
	if err != nil {
		return mixerr.Transient("write config", err)
	}

	if s.cache != nil {
		_ = s.cache.InvalidatePrefix(ctx, "sysconfig:"+e.Key)
	}
	return nil
}

// Delete removes an entry. Critical keys reject deletion.
func (s *Service) Delete(ctx context.Context, key string, env Environment) error {
	var critical bool
	err := s.db.GetContext(ctx, &critical, `
		SELECT critical FROM system_config WHERE key = $1 AND environment = $2`, key, env)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mixerr.NotFound("config", key)
		}
		return mixerr.Transient("read config", err)
	}
	if critical {
		return mixerr.Validation("critical config key cannot be deleted").WithDetail("key", key)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM system_config WHERE key = $1 AND environment = $2`, key, env); err != nil {
		return mixerr.Transient("delete config", err)
	}
	if s.cache != nil {
		_ = s.cache.InvalidatePrefix(ctx, "sysconfig:"+key)
	}
	return nil
}

// Seed inserts default values for keys not yet present.
func (s *Service) Seed(ctx context.Context) error {
	defaults := []Entry{
		{Key: "MIXING_MIN_AMOUNT", Value: "0.001", ValueType: TypeNumber, Category: CategoryMixing},
		{Key: "MIXING_MAX_AMOUNT", Value: "100", ValueType: TypeNumber, Category: CategoryMixing},
		{Key: "MIXING_FEE_PERCENTAGE", Value: "0.5", ValueType: TypeNumber, Category: CategoryMixing},
		{Key: "MIXING_ROUNDS_DEFAULT", Value: "3", ValueType: TypeNumber, Category: CategoryMixing},
		{Key: "MIXING_DEPOSIT_TOLERANCE", Value: "0.0001", ValueType: TypeNumber, Category: CategoryMixing},
		{Key: "POOL_MIN_PARTICIPANTS", Value: "3", ValueType: TypeNumber, Category: CategoryPool},
		{Key: "POOL_MAX_PARTICIPANTS", Value: "20", ValueType: TypeNumber, Category: CategoryPool},
		{Key: "POOL_TIMEOUT_HOURS", Value: "12", ValueType: TypeNumber, Category: CategoryPool},
		{Key: "BTC_CONFIRMATIONS_REQUIRED", Value: "3", ValueType: TypeNumber, Category: CategoryNetwork, Critical: true},
		{Key: "ETH_CONFIRMATIONS_REQUIRED", Value: "12", ValueType: TypeNumber, Category: CategoryNetwork, Critical: true},
		{Key: "SOL_CONFIRMATIONS_REQUIRED", Value: "32", ValueType: TypeNumber, Category: CategoryNetwork, Critical: true},
	}
	now := time.Now().UTC()
	for _, e := range defaults {
		e.Environment = EnvAll
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO system_config (`+columns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$10)
			ON CONFLICT (key, environment) DO NOTHING`,
			e.Key, e.Environment, e.Value, e.ValueType, e.Category, e.Description,
			e.ReadOnly, e.Critical, e.RequiresRestart, now); err != nil {
			return mixerr.Transient("seed config", err)
		}
	}
	return nil
}
