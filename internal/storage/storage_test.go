package storage

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestStorage_Credentials(t *testing.T) {
	s := testStorage(t)

	// absence means unregistered
	creds, err := s.LoadCredentials()
	require.NoError(t, err)
	require.Nil(t, creds)

	now := time.Now().UTC().Truncate(time.Second)
	saved := &Credentials{
		AccessToken:      "access-1",
		AccessExpiresAt:  now.Add(6 * time.Minute),
		RefreshToken:     "refresh-1",
		RefreshExpiresAt: now.Add(18 * time.Minute),
		DeviceID:         "AA:BB:CC:DD:EE:FF",
		DeviceName:       "living-room-pi",
		LastRefreshedAt:  now,
	}
	require.NoError(t, s.SaveCredentials(saved))

	loaded, err := s.LoadCredentials()
	require.NoError(t, err)
	require.True(t, loaded.Valid())
	require.Equal(t, saved.AccessToken, loaded.AccessToken)
	require.Equal(t, saved.RefreshToken, loaded.RefreshToken)
	require.Equal(t, saved.DeviceID, loaded.DeviceID)
	require.True(t, saved.AccessExpiresAt.Equal(loaded.AccessExpiresAt))
	require.True(t, saved.RefreshExpiresAt.Equal(loaded.RefreshExpiresAt))

	require.NoError(t, s.ClearCredentials())
	loaded, err = s.LoadCredentials()
	require.NoError(t, err)
	require.Nil(t, loaded)

	// clearing twice is fine
	require.NoError(t, s.ClearCredentials())
}

func TestStorage_FailedUpdateKeepsPreviousPair(t *testing.T) {
	s := testStorage(t)

	saved := &Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		DeviceID:     "AA:BB:CC:DD:EE:FF",
	}
	require.NoError(t, s.SaveCredentials(saved))

	// an update transaction that errors out must roll back wholesale,
	// the moral equivalent of a crash mid-write
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktCredentials)
		if putErr := b.Put(credentialsKey, []byte(`{"access_token":"torn`)); putErr != nil {
			return putErr
		}
		return errors.New("disk on fire")
	})
	require.Error(t, err)

	loaded, err := s.LoadCredentials()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "access-1", loaded.AccessToken)
	assert.Equal(t, "refresh-1", loaded.RefreshToken)
}

func TestCredentials_Normalize(t *testing.T) {
	now := time.Now()
	c := &Credentials{
		AccessToken:      "a",
		RefreshToken:     "r",
		DeviceID:         "id",
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(time.Minute),
	}
	c.Normalize()
	// access expiry is clamped to the rotation expiry
	require.False(t, c.AccessExpiresAt.After(c.RefreshExpiresAt))
	require.Equal(t, time.UTC, c.AccessExpiresAt.Location())
}

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewTempStorage()
	require.NoError(t, err)
	t.Cleanup(func() {
		closeErr := s.Close()
		assert.NoError(t, closeErr)
	})
	return s
}
