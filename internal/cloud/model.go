package cloud

import (
	"time"

	"github.com/pkg/errors"
)

// RegisterRequest carries the one-time registration token. ActualDeviceID is
// the hardware-derived identifier the cloud will pin the device to.
type RegisterRequest struct {
	RegistrationToken string `json:"registrationToken"`
	ActualDeviceID    string `json:"actualDeviceId"`
	DeviceName        string `json:"deviceName"`
}

// HealthReport is the telemetry payload. SensorData maps stat names to
// numeric or string values.
type HealthReport struct {
	Status     string         `json:"Status"`
	SensorData map[string]any `json:"SensorData"`
}

// TokenGrant is a parsed successful exchange. RefreshToken and
// RefreshExpiresAt are empty for a plain refresh; rotation and registration
// fill all four fields.
type TokenGrant struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type exchangeRequest struct {
	RefreshToken string `json:"RefreshToken"`
	DeviceID     string `json:"DeviceId"`
}

type exchangeResponse struct {
	Success               bool   `json:"success"`
	Token                 string `json:"token"`
	RefreshToken          string `json:"refreshToken"`
	ExpiresAt             string `json:"expiresAt"`
	RefreshTokenExpiresAt string `json:"refreshTokenExpiresAt"`
}

type registerResponse struct {
	DeviceJWT             string `json:"deviceJwt"`
	RefreshToken          string `json:"refreshToken"`
	ExpiresAt             string `json:"expiresAt"`
	RefreshTokenExpiresAt string `json:"refreshTokenExpiresAt"`
}

func newTokenGrant(accessToken, accessExpiry, refreshToken, refreshExpiry string) (*TokenGrant, error) {
	grant := &TokenGrant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	var err error
	grant.AccessExpiresAt, err = parseExpiry(accessExpiry)
	if err != nil {
		return nil, errors.Wrap(err, "access token expiry")
	}
	if refreshToken != "" {
		grant.RefreshExpiresAt, err = parseExpiry(refreshExpiry)
		if err != nil {
			return nil, errors.Wrap(err, "refresh token expiry")
		}
	}
	return grant, nil
}

// parseExpiry accepts the RFC3339 timestamps the cloud issues. A missing
// expiry is tolerated (zero time); the token manager falls back to its
// interval-based renewal in that case.
func parseExpiry(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
