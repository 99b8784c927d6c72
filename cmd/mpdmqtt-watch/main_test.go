package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFrame(t *testing.T) {
	assert.Equal(t,
		"[2024-01-01T12:00:00Z] player/state = \"pause\"\n[2024-01-01T12:00:00Z] player/volume = \"40\"\n",
		formatFrame([]byte(`{"type":"state_changed","ts":"2024-01-01T12:00:00Z","data":{"changed":{"player/volume":"40","player/state":"pause"}}}`)))

	assert.Equal(t,
		"[2024-01-01T12:00:00Z] mqtt DOWN\n",
		formatFrame([]byte(`{"type":"connection","ts":"2024-01-01T12:00:00Z","data":{"role":"mqtt","connected":false}}`)))

	assert.Equal(t,
		"[state_init]\n{\n  \"mpd_connected\": true\n}\n",
		formatFrame([]byte(`{"type":"state_init","data":{"mpd_connected":true}}`)))

	assert.Equal(t, "[TEXT] nope\n", formatFrame([]byte(`nope`)))
}
