package storage

import "time"

// Credentials is the durable credential pair issued by the cloud. All
// timestamps are absolute UTC so restarts and clock changes never
// desynchronize expiry math.
type Credentials struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`

	// RefreshToken is the long-lived rotation token; it is presented to the
	// cloud to obtain new pairs and is never sent anywhere else.
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`

	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	LastRotatedAt   time.Time `json:"last_rotated_at"`
}

// Valid reports whether the pair can be presented to the cloud at all.
// Expiry is checked by the token manager, not here.
func (c *Credentials) Valid() bool {
	return c != nil && c.AccessToken != "" && c.RefreshToken != "" && c.DeviceID != ""
}

// Clone returns a copy so updates are full replacements and readers never
// observe partial mutation.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Normalize forces UTC timestamps and clamps the access expiry to the
// rotation expiry: an access token must never outlive the token that
// renews it.
func (c *Credentials) Normalize() {
	c.AccessExpiresAt = c.AccessExpiresAt.UTC()
	c.RefreshExpiresAt = c.RefreshExpiresAt.UTC()
	c.LastRefreshedAt = c.LastRefreshedAt.UTC()
	c.LastRotatedAt = c.LastRotatedAt.UTC()
	if !c.RefreshExpiresAt.IsZero() && c.AccessExpiresAt.After(c.RefreshExpiresAt) {
		c.AccessExpiresAt = c.RefreshExpiresAt
	}
}
