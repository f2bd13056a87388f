package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the process startup banner to stderr.
func PrintBanner(role string, config *Config, logger *Logger) {
	version := GetVersion()
	build := GetBuild()
	commit := GetGitCommit()

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 88888888888     d8888  .d8888b.  888    d8P  .d8888b.  888    888`,
		`     888        d88888 d88P  Y88b 888   d8P  d88P  Y88b 888    888`,
		`     888       d88P888 Y88b.      888  d8P   888    888 888    888`,
		`     888      d88P 888  "Y888b.   888d88K    888    888 888    888`,
		`     888     d88P  888     "Y88b. 8888888b   888    888 8888888888`,
		`     888    d88P   888       "888 888  Y88b  888    888 888    888`,
		`     888   d8888888888 Y88b  d88P 888   Y88b Y88b  d88P 888    888`,
		`     888  d88P     888  "Y8888P"  888    Y88b "Y8888P"  888    888`,
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s  MongoDB-backed task queue — %s%s\n", textColor, role, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	kvPad := 16
	kvLines := [][2]string{
		{"Version", version},
		{"Build", build},
		{"Commit", commit},
		{"Environment", config.Environment},
		{"Store", config.Store.URL},
		{"Prefix", config.Store.Prefix},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("commit", commit).
		Str("environment", config.Environment).
		Str("role", role).
		Str("store_url", config.Store.URL).
		Str("prefix", config.Store.Prefix).
		Msg("process started")
}

// PrintShutdownBanner displays the shutdown banner to stderr.
func PrintShutdownBanner(role string, logger *Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 42
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "%s  %s — SHUTTING DOWN%s\n", textColor, strings.ToUpper(role), banner.ColorReset)
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().Str("role", role).Msg("process shutting down")
}
