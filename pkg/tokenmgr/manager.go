package tokenmgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRenewalBuffer is how long before expiry a proactive
	// refresh fires.
	DefaultRenewalBuffer = 5 * time.Minute

	// DefaultAcquireTimeout bounds a single acquire operation.
	DefaultAcquireTimeout = 30 * time.Second
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Name identifies the upstream server in logs.
	Name string

	// RenewalBuffer is subtracted from the token expiry to compute the
	// proactive refresh time. Defaults to DefaultRenewalBuffer.
	RenewalBuffer time.Duration

	// AcquireTimeout bounds each acquire operation. Defaults to
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager keeps one upstream server's bearer credential valid. At most
// one acquire operation is in flight at a time; concurrent Refresh
// callers share its outcome. A failed acquire never poisons the next
// call.
type Manager struct {
	name     string
	acquirer Acquirer
	store    TokenStore
	buffer   time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	destroyed bool
}

// NewManager creates a token manager for one upstream server.
func NewManager(config ManagerConfig, acquirer Acquirer, store TokenStore) *Manager {
	if config.RenewalBuffer == 0 {
		config.RenewalBuffer = DefaultRenewalBuffer
	}
	if config.AcquireTimeout == 0 {
		config.AcquireTimeout = DefaultAcquireTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		name:     config.Name,
		acquirer: acquirer,
		store:    store,
		buffer:   config.RenewalBuffer,
		timeout:  config.AcquireTimeout,
		logger:   config.Logger,
	}
}

// Refresh acquires fresh token data and persists it. Concurrent callers
// collapse onto a single in-flight acquire and all observe its result.
// Once the operation settles the next call starts a fresh one.
func (m *Manager) Refresh(ctx context.Context) (*TokenData, error) {
	requestID := generateRequestID()

	result, err, shared := m.group.Do("refresh", func() (any, error) {
		// The flight outlives whichever caller started it; only the
		// timeout bounds it, never one waiter's cancellation.
		acquireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		token, err := m.acquirer.Acquire(acquireCtx)
		if err != nil {
			return nil, fmt.Errorf("acquiring token for %s: %w", m.name, err)
		}
		if !token.ExpiresAt.IsZero() && token.IsExpired() {
			return nil, fmt.Errorf("acquired token for %s is already expired", m.name)
		}
		if err := m.store.Save(acquireCtx, token); err != nil {
			return nil, fmt.Errorf("saving token for %s: %w", m.name, err)
		}
		return token, nil
	})

	if err != nil {
		m.logger.Debug("token refresh failed",
			"upstream", m.name,
			"request_id", requestID,
			"shared", shared,
			"error", err)
		return nil, err
	}

	token := result.(*TokenData)
	m.logger.Debug("token refreshed",
		"upstream", m.name,
		"request_id", requestID,
		"shared", shared,
		"expires_at", token.ExpiresAt)
	return token, nil
}

// EnsureValidToken returns usable token data, refreshing reactively
// when the stored token is absent or expired. When the refreshed
// token's remaining lifetime exceeds the renewal buffer and the store
// can schedule, a proactive refresh is registered at expiry minus the
// buffer.
func (m *Manager) EnsureValidToken(ctx context.Context) (*TokenData, error) {
	token, err := m.store.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoToken) {
		return nil, fmt.Errorf("loading token for %s: %w", m.name, err)
	}

	if !token.Valid() {
		token, err = m.Refresh(ctx)
		if err != nil {
			return nil, err
		}
	}

	m.scheduleProactiveRefresh(token)
	return token, nil
}

// scheduleProactiveRefresh registers a refresh at expiry minus the
// buffer. Tokens already inside the buffer window are left to reactive
// refresh on next use.
func (m *Manager) scheduleProactiveRefresh(token *TokenData) {
	scheduler, ok := m.store.(RefreshScheduler)
	if !ok || token.ExpiresAt.IsZero() {
		return
	}

	fireAt := token.ExpiresAt.Add(-m.buffer)
	if time.Until(fireAt) <= 0 {
		return
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	scheduler.ScheduleRefresh(fireAt, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		refreshed, err := m.Refresh(ctx)
		if err != nil {
			// The next reactive check retries.
			m.logger.Warn("proactive token refresh failed",
				"upstream", m.name,
				"error", err)
			return
		}
		m.scheduleProactiveRefresh(refreshed)
	})
}

// Destroy cancels any pending proactive refresh and stops future
// scheduling. An in-flight acquire is not interrupted.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()

	if scheduler, ok := m.store.(RefreshScheduler); ok {
		scheduler.CancelRefresh()
	}
}

// generateRequestID produces a sortable identifier correlating the log
// lines of one acquisition: a 13-digit millisecond timestamp and an
// 8-character lowercase hex suffix.
func generateRequestID() string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%013d_%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}
