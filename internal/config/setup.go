package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the operator through first-time game server
// configuration, then writes config.json and server.cfg.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║        fragnet - Game Server Setup           ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	gs := cfg.GetGameServer()

	fmt.Fprintln(out, "── Server Identity ──")
	gs.Name = promptString(reader, out, "Server name", gs.Name)
	gs.Mode = promptInt(reader, out, "Game mode id", gs.Mode)
	gs.MaxClients = promptInt(reader, out, "Max clients", gs.MaxClients)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Network ──")
	gs.Port = promptInt(reader, out, "UDP port", gs.Port)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Master Server ──")
	gs.Advertise = promptBool(reader, out, "Advertise on a master server", gs.Advertise)
	if gs.Advertise {
		gs.MasterHost = promptString(reader, out, "Master host", gs.MasterHost)
		gs.MasterPort = promptInt(reader, out, "Master port", gs.MasterPort)
		gs.PublicAddress = promptString(reader, out, "Public address (blank to let the master detect it)", gs.PublicAddress)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Voice ──")
	voiceMode := promptString(reader, out, "Voice mode (global, proximity, off)", "global")
	voiceRange := promptString(reader, out, "Proximity voice range", "30")

	cfg.SetGameServer(gs)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if err := writeServerCfg(filepath.Join(cfg.Dir(), DefaultServerCfgFile), voiceMode, voiceRange); err != nil {
		return fmt.Errorf("failed to save server.cfg: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)
	return nil
}

func writeServerCfg(path, voiceMode, voiceRange string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	content := fmt.Sprintf("# fragnet game rules\nvoice_mode=%s\nvoice_range=%s\n", voiceMode, voiceRange)
	return os.WriteFile(path, []byte(content), 0644)
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
