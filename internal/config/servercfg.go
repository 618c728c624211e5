package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/server"
)

// ServerCfg holds the game-rule settings read from server.cfg.
type ServerCfg struct {
	VoiceMode  server.VoiceMode
	VoiceRange float32
}

// DefaultServerCfg returns the settings used when server.cfg is absent.
func DefaultServerCfg() ServerCfg {
	return ServerCfg{
		VoiceMode:  server.VoiceGlobal,
		VoiceRange: server.DefaultVoiceRange,
	}
}

// LoadServerCfg reads a key=value server.cfg. A missing file yields the
// defaults; malformed lines and bad values are logged and skipped.
func LoadServerCfg(path string) (ServerCfg, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("server.cfg not found, using defaults")
			return DefaultServerCfg(), nil
		}
		return DefaultServerCfg(), fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := ParseServerCfg(f)
	if err != nil {
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}
	log.Info().
		Str("path", path).
		Str("voice_mode", cfg.VoiceMode.String()).
		Float32("voice_range", cfg.VoiceRange).
		Msg("server.cfg loaded")
	return cfg, nil
}

// ParseServerCfg parses key=value lines. Blank lines and lines starting
// with '#' are ignored; unknown keys are ignored.
func ParseServerCfg(r io.Reader) (ServerCfg, error) {
	cfg := DefaultServerCfg()
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.Warn().Int("line", lineNo).Str("text", line).Msg("server.cfg: expected key=value, line skipped")
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "voice_mode":
			mode, err := server.ParseVoiceMode(value)
			if err != nil {
				log.Warn().Int("line", lineNo).Err(err).Msg("server.cfg: bad voice_mode, keeping default")
				continue
			}
			cfg.VoiceMode = mode
		case "voice_range":
			r, err := strconv.ParseFloat(value, 32)
			if err != nil || r <= 0 {
				log.Warn().Int("line", lineNo).Str("value", value).Msg("server.cfg: bad voice_range, keeping default")
				continue
			}
			cfg.VoiceRange = float32(r)
		default:
			log.Debug().Int("line", lineNo).Str("key", key).Msg("server.cfg: unknown key")
		}
	}
	return cfg, scanner.Err()
}
