package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidGroupName(t *testing.T) {
	valid := []string{"kitchen", "a", "desk-1", "a.b_c", strings.Repeat("a", MaxGroupNameLen)}
	for _, name := range valid {
		require.True(t, ValidGroupName(name), "%q should be valid", name)
	}

	invalid := []string{
		"", "all", "idle", "delete", "levels", "sync",
		"Kitchen", "1kitchen", ".abc", "-abc", "a b",
		strings.Repeat("a", MaxGroupNameLen+1),
	}
	for _, name := range invalid {
		require.False(t, ValidGroupName(name), "%q should be invalid", name)
	}
}

func TestValidPresetName(t *testing.T) {
	valid := []string{"evening", "nightlight", "x9", strings.Repeat("a", MaxPresetNameLen)}
	for _, name := range valid {
		require.True(t, ValidPresetName(name), "%q should be valid", name)
	}

	invalid := []string{
		"", "off", "custom", "order", "unknown",
		"42", "9pm", "UPPER", strings.Repeat("a", MaxPresetNameLen+1),
	}
	for _, name := range invalid {
		require.False(t, ValidPresetName(name), "%q should be invalid", name)
	}
}
