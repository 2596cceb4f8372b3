package tokens

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pechorka/junction-agent/internal/cloud"
	"github.com/pechorka/junction-agent/internal/config"
	"github.com/pechorka/junction-agent/internal/storage"
)

var (
	// ErrUnregistered means there is no usable credential pair: the device
	// was never registered, or the cloud rejected its tokens. Recovery
	// requires a fresh registration credential from the operator.
	ErrUnregistered = errors.New("device is not registered")

	// ErrInvalidCredential means the operator-supplied registration
	// credential is malformed or was rejected by the cloud. Retried only on
	// new input, never automatically.
	ErrInvalidCredential = errors.New("invalid registration credential")

	// ErrPersistence means the credential pair could not be written to the
	// store. The in-memory pair stays live; persistence is retried on the
	// next call.
	ErrPersistence = errors.New("persisting credentials failed")
)

// Cloud is the subset of the cloud client the manager needs.
type Cloud interface {
	Register(ctx context.Context, req cloud.RegisterRequest) (*cloud.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken, deviceID string) (*cloud.TokenGrant, error)
	Rotate(ctx context.Context, refreshToken, deviceID string) (*cloud.TokenGrant, error)
}

// Store is the durable home of the credential pair.
type Store interface {
	LoadCredentials() (*storage.Credentials, error)
	SaveCredentials(*storage.Credentials) error
	ClearCredentials() error
}

// Manager owns the credential pair: it decides when each token must be
// renewed, executes the exchanges, persists results, and recovers from
// credential rejection by dropping to the unregistered state.
//
// A single mutex serializes every exchange; a concurrent refresh and
// rotation could otherwise race and leave the persisted pair inconsistent.
type Manager struct {
	cloud    Cloud
	store    Store
	timing   config.Timing
	deviceID string
	log      *logrus.Entry
	now      func() time.Time

	mu    sync.Mutex
	creds *storage.Credentials // nil means unregistered
	dirty bool                 // last save failed, retry next chance
}

type Config struct {
	Cloud    Cloud
	Store    Store
	Timing   config.Timing
	DeviceID string
	Log      *logrus.Logger
	Now      func() time.Time // defaults to time.Now, injectable for tests
}

// NewManager loads any persisted pair. A read failure is logged and treated
// as unregistered rather than fatal: the device can always re-register.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		cloud:    cfg.Cloud,
		store:    cfg.Store,
		timing:   cfg.Timing,
		deviceID: cfg.DeviceID,
		log:      cfg.Log.WithField("component", "tokens"),
		now:      cfg.Now,
	}

	creds, err := m.store.LoadCredentials()
	if err != nil {
		m.log.WithError(err).Error("failed to load stored credentials, starting unregistered")
		return m
	}
	if creds.Valid() {
		creds.Normalize()
		m.creds = creds
		m.log.WithFields(logrus.Fields{
			"device_id":          creds.DeviceID,
			"access_expires_at":  creds.AccessExpiresAt,
			"refresh_expires_at": creds.RefreshExpiresAt,
		}).Info("loaded stored credentials")
	} else {
		m.log.Info("no stored credentials, registration required")
	}
	return m
}

// Registered reports whether a credential pair is currently live.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Valid()
}

// EnsureValid synchronously brings the pair into a valid state and returns a
// usable access token. Rotation takes precedence over refresh when both
// margins are breached, since rotation subsumes a refresh.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.creds.Valid() {
		return "", ErrUnregistered
	}

	now := m.now().UTC()
	switch {
	case m.rotationDue(now):
		if err := m.rotate(ctx); err != nil {
			return "", err
		}
	case m.refreshDue(now):
		if err := m.refresh(ctx); err != nil {
			return "", err
		}
	case m.dirty:
		m.persist(m.creds)
	}

	return m.creds.AccessToken, nil
}

// Invalidate force-clears the pair. Used when a downstream call with the
// returned token is itself rejected, meaning the token was revoked
// server-side between issuance and use.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return
	}
	m.log.Warn("invalidating credentials")
	m.drop()
}

// rotationDue: the rotation token expires within the rotation margin.
// Comparisons use the stored absolute expiry, never relative counters, so a
// restart does not reset the clock.
func (m *Manager) rotationDue(now time.Time) bool {
	if m.creds.RefreshExpiresAt.IsZero() {
		return false
	}
	return !now.Add(m.timing.RotationMargin).Before(m.creds.RefreshExpiresAt)
}

// refreshDue: the access token expires within the refresh margin, or the
// periodic renewal interval elapsed since the last exchange.
func (m *Manager) refreshDue(now time.Time) bool {
	if !m.creds.AccessExpiresAt.IsZero() &&
		!now.Add(m.timing.RefreshMargin).Before(m.creds.AccessExpiresAt) {
		return true
	}
	return now.Sub(m.creds.LastRefreshedAt) >= m.timing.RefreshInterval
}

func (m *Manager) refresh(ctx context.Context) error {
	m.log.Info("refreshing access token")
	grant, err := m.cloud.Refresh(ctx, m.creds.RefreshToken, m.creds.DeviceID)
	if err != nil {
		return m.exchangeFailed("refresh", err)
	}

	next := m.creds.Clone()
	next.AccessToken = grant.AccessToken
	next.AccessExpiresAt = grant.AccessExpiresAt
	next.LastRefreshedAt = m.now().UTC()
	m.applyLifetimeOverride(next, false)
	next.Normalize()

	return m.commit(next)
}

func (m *Manager) rotate(ctx context.Context) error {
	m.log.Info("rotating token pair")
	grant, err := m.cloud.Rotate(ctx, m.creds.RefreshToken, m.creds.DeviceID)
	if err != nil {
		return m.exchangeFailed("rotate", err)
	}

	now := m.now().UTC()
	next := m.creds.Clone()
	next.AccessToken = grant.AccessToken
	next.AccessExpiresAt = grant.AccessExpiresAt
	next.RefreshToken = grant.RefreshToken
	next.RefreshExpiresAt = grant.RefreshExpiresAt
	next.LastRefreshedAt = now
	next.LastRotatedAt = now
	m.applyLifetimeOverride(next, true)
	next.Normalize()

	return m.commit(next)
}

// exchangeFailed classifies a failed exchange: a rejected credential drops
// the device to unregistered, anything else is transient and leaves the pair
// untouched for the caller's next cycle.
func (m *Manager) exchangeFailed(op string, err error) error {
	if errors.Is(err, cloud.ErrUnauthorized) {
		m.log.WithError(err).Warnf("%s rejected, clearing credentials", op)
		m.drop()
		return errors.Wrapf(ErrUnregistered, "%s rejected", op)
	}
	m.log.WithError(err).Warnf("%s failed, will retry next cycle", op)
	return errors.Wrapf(err, "%s exchange", op)
}

// commit atomically replaces the live pair and persists it. A persistence
// failure keeps the new pair in memory and flags a retry, per the
// store-failure policy: the exchange already happened and the old tokens may
// no longer be valid.
func (m *Manager) commit(next *storage.Credentials) error {
	m.creds = next
	if !m.persist(next) {
		return ErrPersistence
	}
	return nil
}

func (m *Manager) persist(creds *storage.Credentials) bool {
	if err := m.store.SaveCredentials(creds); err != nil {
		m.log.WithError(err).Error("failed to persist credentials")
		m.dirty = true
		return false
	}
	m.dirty = false
	return true
}

func (m *Manager) drop() {
	m.creds = nil
	m.dirty = false
	if err := m.store.ClearCredentials(); err != nil {
		m.log.WithError(err).Error("failed to clear stored credentials")
	}
}

// applyLifetimeOverride replaces server-issued expiries with the local test
// TTLs when the accelerated profile is active. In production the
// server-provided expiry is authoritative.
func (m *Manager) applyLifetimeOverride(creds *storage.Credentials, rotated bool) {
	if !m.timing.OverrideLifetimes {
		return
	}
	now := m.now().UTC()
	creds.AccessExpiresAt = now.Add(m.timing.AccessTokenTTL)
	if rotated {
		creds.RefreshExpiresAt = now.Add(m.timing.RefreshTokenTTL)
	}
}

// registrationCredential is the operator-supplied JSON blob, pasted at the
// prompt or dropped as a file.
type registrationCredential struct {
	DeviceName string `json:"deviceName"`
	Token      string `json:"token"`
}

// Register exchanges a one-time registration credential for the initial
// pair. Malformed input and cloud rejection both surface as
// ErrInvalidCredential; transient failures may be retried with the same
// credential.
func (m *Manager) Register(ctx context.Context, raw string) error {
	var cred registrationCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return errors.Wrap(ErrInvalidCredential, "not valid JSON")
	}
	if cred.Token == "" || cred.DeviceName == "" {
		return errors.Wrap(ErrInvalidCredential, "deviceName and token are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds.Valid() {
		m.log.Warn("already registered, ignoring registration credential")
		return nil
	}

	m.log.WithField("device_name", cred.DeviceName).Info("registering device")
	grant, err := m.cloud.Register(ctx, cloud.RegisterRequest{
		RegistrationToken: cred.Token,
		ActualDeviceID:    m.deviceID,
		DeviceName:        cred.DeviceName,
	})
	if err != nil {
		if errors.Is(err, cloud.ErrUnauthorized) {
			return errors.Wrap(ErrInvalidCredential, "rejected by cloud")
		}
		return errors.Wrap(err, "register exchange")
	}

	now := m.now().UTC()
	next := &storage.Credentials{
		AccessToken:      grant.AccessToken,
		AccessExpiresAt:  grant.AccessExpiresAt,
		RefreshToken:     grant.RefreshToken,
		RefreshExpiresAt: grant.RefreshExpiresAt,
		DeviceID:         m.deviceID,
		DeviceName:       cred.DeviceName,
		LastRefreshedAt:  now,
		LastRotatedAt:    now,
	}
	m.applyLifetimeOverride(next, true)
	next.Normalize()

	if err := m.commit(next); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"device_id":          next.DeviceID,
		"access_expires_at":  next.AccessExpiresAt,
		"refresh_expires_at": next.RefreshExpiresAt,
	}).Info("device registered")
	return nil
}

// Snapshot is a read-only view for the status endpoint. Token values are
// deliberately absent.
type Snapshot struct {
	Registered       bool      `json:"registered"`
	DeviceID         string    `json:"device_id,omitempty"`
	DeviceName       string    `json:"device_name,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at,omitzero"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
	LastRefreshedAt  time.Time `json:"last_refreshed_at,omitzero"`
	LastRotatedAt    time.Time `json:"last_rotated_at,omitzero"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.creds.Valid() {
		return Snapshot{}
	}
	return Snapshot{
		Registered:       true,
		DeviceID:         m.creds.DeviceID,
		DeviceName:       m.creds.DeviceName,
		AccessExpiresAt:  m.creds.AccessExpiresAt,
		RefreshExpiresAt: m.creds.RefreshExpiresAt,
		LastRefreshedAt:  m.creds.LastRefreshedAt,
		LastRotatedAt:    m.creds.LastRotatedAt,
	}
}
