package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSizeAcceptsDockerStyleSuffixes(t *testing.T) {
	cases := map[string]int64{
		"512":    512,
		"512b":   512,
		"1kb":    1024,
		"1kib":   1024,
		"1mb":    1024 * 1024,
		"1mib":   1024 * 1024,
		"512Mi":  512 * 1024 * 1024,
		"1gb":    1024 * 1024 * 1024,
		"1gib":   1024 * 1024 * 1024,
	}
	for raw, want := range cases {
		got, err := ParseByteSize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestParseByteSizeRejectsEmptyAndNonPositive(t *testing.T) {
	_, err := ParseByteSize("")
	assert.Error(t, err)

	_, err = ParseByteSize("0")
	assert.Error(t, err)

	_, err = ParseByteSize("-5mb")
	assert.Error(t, err)
}

func TestParseByteSizeRejectsGarbage(t *testing.T) {
	_, err := ParseByteSize("not-a-size")
	assert.Error(t, err)
}

func TestGetEnvFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "fallback", GetEnv("REPLFLEET_TEST_UNSET_KEY", "fallback"))

	t.Setenv("REPLFLEET_TEST_KEY", "value")
	assert.Equal(t, "value", GetEnv("REPLFLEET_TEST_KEY", "fallback"))
}

func TestParseDurationOrDefault(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDurationOrDefault("5s", time.Second))
	assert.Equal(t, time.Second, ParseDurationOrDefault("", time.Second))
	assert.Equal(t, time.Second, ParseDurationOrDefault("not-a-duration", time.Second))
}

func TestGetPortPrefersPortEnvVar(t *testing.T) {
	t.Setenv("PORT", "9100")
	assert.Equal(t, 9100, GetPort("orchestrator", 8082))
}

func TestGetPortFallsBackToDefault(t *testing.T) {
	assert.Equal(t, 8082, GetPort("nonexistent-service", 8082))
}
