package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	KEY_VOLUMEDOWN = 114
	KEY_VOLUMEUP   = 115
	KEY_NEXTSONG   = 163
	KEY_PLAYPAUSE  = 164
	KEY_STOPCD     = 166
	KEY_PLAYCD     = 200
	KEY_PAUSECD    = 201

	// Rotary encoder relative axis codes
	REL_DIAL  = 0x07
	REL_WHEEL = 0x08
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

const (
	defaultMPDTimeoutMS   = 10000 // per-call timeout for MPD requests
	defaultMPDKeepaliveMS = 30000 // ping interval; MPD drops idle command connections

	defaultMQTTTimeoutMS = 5000

	defaultBackoffInitialMS = 1000
	defaultBackoffMaxMS     = 30000

	// Volume keys and rotary detents
	defaultVolumeStep       = 2
	defaultRotaryWindowMS   = 200 // window for fast-spin detection (ms)
	defaultRotaryThreshold  = 3   // same-direction steps in window to trigger fast spin
	defaultRotaryMultiplier = 3

	eventQueueSize = 64
)
