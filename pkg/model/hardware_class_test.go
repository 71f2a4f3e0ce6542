package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHardwareClass(t *testing.T) {
	hw, err := ParseHardwareClass("APPLE_SILICON")
	require.NoError(t, err)
	assert.Equal(t, HardwareClassAppleSilicon, hw)

	_, err = ParseHardwareClass("QUANTUM")
	assert.Error(t, err)
}

func TestHardwareClassJSONRoundTrip(t *testing.T) {
	for _, hw := range HardwareClasses() {
		data, err := json.Marshal(hw)
		require.NoError(t, err)

		var back HardwareClass
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, hw, back)
	}
}

func TestHardwareClassUnknownTolerated(t *testing.T) {
	var hw HardwareClass
	require.NoError(t, json.Unmarshal([]byte(`"NOT_A_CLASS"`), &hw))
	assert.False(t, hw.IsValid())
}

func TestIdentityPrefix(t *testing.T) {
	assert.Equal(t, "si64-internal", IdentityPrefix("si64-internal_7af3"))
	assert.Equal(t, "rig_alpha", IdentityPrefix("rig_alpha_01"))
	assert.Equal(t, "bare", IdentityPrefix("bare"))
}
