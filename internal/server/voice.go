package server

import (
	"fmt"
	"strings"
)

// VoiceMode selects which peers receive relayed voice.
type VoiceMode int

const (
	// VoiceGlobal relays to every other peer.
	VoiceGlobal VoiceMode = iota
	// VoiceProximity relays to peers within the configured range.
	VoiceProximity
	// VoiceOff drops all voice.
	VoiceOff
)

// DefaultVoiceRange is the proximity radius in world units.
const DefaultVoiceRange float32 = 30

var voiceModeStrings = map[VoiceMode]string{
	VoiceGlobal:    "global",
	VoiceProximity: "proximity",
	VoiceOff:       "off",
}

func (m VoiceMode) String() string {
	if s, ok := voiceModeStrings[m]; ok {
		return s
	}
	return "global"
}

// MarshalJSON serializes VoiceMode as a JSON string (e.g. "proximity").
func (m VoiceMode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// ParseVoiceMode parses a voice_mode value.
func ParseVoiceMode(s string) (VoiceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "global", "all":
		return VoiceGlobal, nil
	case "proximity", "local":
		return VoiceProximity, nil
	case "off", "none", "disabled":
		return VoiceOff, nil
	}
	return VoiceGlobal, fmt.Errorf("unknown voice mode %q", s)
}
