package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanizeBytes(t *testing.T) {
	assert.Equal(t, "999 B", HumanizeBytes(999))
	assert.Equal(t, "1.00 KB", HumanizeBytes(1000))
	assert.Equal(t, "1.50 MB", HumanizeBytes(1500000))
	assert.Equal(t, "2.00 GB", HumanizeBytes(2000000000))
	assert.Equal(t, "0 B", HumanizeBytes(0))
	assert.Equal(t, "18.45 EB", HumanizeBytes(^uint64(0)))
}

func TestFreeSpace(t *testing.T) {
	free, err := FreeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
