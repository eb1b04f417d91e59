package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Provider fetches a recipient's DeliveryPreferences. Implementations must
// never block delivery indefinitely; on failure the caller falls back to
// Default.
type Provider interface {
	Get(ctx context.Context, recipientID uuid.UUID) (Preferences, error)
}

// DBConfig holds the profile database connection parameters.
type DBConfig struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
}

// PGProvider reads preferences from the profile service's postgres database,
// with a short TTL cache so the scheduler tick does not hammer the pool.
type PGProvider struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu       sync.Mutex
	cache    map[uuid.UUID]cachedPrefs
	cacheTTL time.Duration
}

type cachedPrefs struct {
	prefs     Preferences
	fetchedAt time.Time
}

// NewPGProvider creates a connection pool against the profile database and
// verifies connectivity.
func NewPGProvider(ctx context.Context, cfg DBConfig, cacheTTL time.Duration, logger *zap.Logger) (*PGProvider, error) {
	var dsn string
	if cfg.Password != "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	} else {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping profile database: %w", err)
	}

	logger.Info("profile database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &PGProvider{
		pool:     pool,
		logger:   logger,
		cache:    make(map[uuid.UUID]cachedPrefs),
		cacheTTL: cacheTTL,
	}, nil
}

// Close releases the underlying pool.
func (p *PGProvider) Close() {
	p.pool.Close()
}

// Get returns the recipient's preferences, serving from cache when fresh.
// A recipient with no row gets Default preferences (cached like any other).
func (p *PGProvider) Get(ctx context.Context, recipientID uuid.UUID) (Preferences, error) {
	p.mu.Lock()
	if entry, ok := p.cache[recipientID]; ok && time.Since(entry.fetchedAt) < p.cacheTTL {
		p.mu.Unlock()
		return entry.prefs, nil
	}
	p.mu.Unlock()

	prefs, err := p.fetch(ctx, recipientID)
	if err != nil {
		return Preferences{}, err
	}

	p.mu.Lock()
	p.cache[recipientID] = cachedPrefs{prefs: prefs, fetchedAt: time.Now()}
	p.mu.Unlock()

	return prefs, nil
}

func (p *PGProvider) fetch(ctx context.Context, recipientID uuid.UUID) (Preferences, error) {
	query := `
		SELECT
			recipient_id, channel, preferred_windows, quiet_hours,
			devotional_windows, family_windows, max_per_day,
			batching_opt_in, immediate_delivery,
			respect_devotional, respect_family_time,
			push_target_arn, email, webhook_url
		FROM delivery_preferences
		WHERE recipient_id = $1
	`

	var out Preferences
	var preferredRaw, quietRaw, devotionalRaw, familyRaw []byte
	var pushARN, email, webhookURL *string
	err := p.pool.QueryRow(ctx, query, recipientID).Scan(
		&out.RecipientID,
		&out.Channel,
		&preferredRaw,
		&quietRaw,
		&devotionalRaw,
		&familyRaw,
		&out.MaxPerDay,
		&out.BatchingOptIn,
		&out.ImmediateDelivery,
		&out.RespectDevotional,
		&out.RespectFamilyTime,
		&pushARN,
		&email,
		&webhookURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Default(recipientID), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("query delivery preferences: %w", err)
	}

	if err := unmarshalWindows(preferredRaw, &out.PreferredWindows); err != nil {
		return Preferences{}, fmt.Errorf("decode preferred windows: %w", err)
	}
	if len(quietRaw) > 0 {
		if err := json.Unmarshal(quietRaw, &out.QuietHours); err != nil {
			return Preferences{}, fmt.Errorf("decode quiet hours: %w", err)
		}
	}
	if err := unmarshalWindows(devotionalRaw, &out.DevotionalWindows); err != nil {
		return Preferences{}, fmt.Errorf("decode devotional windows: %w", err)
	}
	if err := unmarshalWindows(familyRaw, &out.FamilyWindows); err != nil {
		return Preferences{}, fmt.Errorf("decode family windows: %w", err)
	}

	if pushARN != nil {
		out.PushTargetARN = *pushARN
	}
	if email != nil {
		out.Email = *email
	}
	if webhookURL != nil {
		out.WebhookURL = *webhookURL
	}
	if out.Channel == "" {
		out.Channel = ChannelPush
	}

	return out, nil
}

func unmarshalWindows(raw []byte, dst *[]Window) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// StaticProvider serves a fixed preferences map. Used in development mode and
// tests when no profile database is configured.
type StaticProvider struct {
	mu    sync.RWMutex
	prefs map[uuid.UUID]Preferences
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{prefs: make(map[uuid.UUID]Preferences)}
}

// Set registers preferences for a recipient.
func (s *StaticProvider) Set(p Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.RecipientID] = p
}

// Get returns the registered preferences or Default.
func (s *StaticProvider) Get(_ context.Context, recipientID uuid.UUID) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[recipientID]; ok {
		return p, nil
	}
	return Default(recipientID), nil
}
