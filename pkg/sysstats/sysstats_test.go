package sysstats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(Config{CPUSampleInterval: 50 * time.Millisecond})

	stats := c.Collect(context.Background())
	require.NotNil(t, stats)
	// uptime and memory should be readable on any supported platform
	require.Contains(t, stats, "uptime")
	require.Contains(t, stats, "totalMemory")
}
