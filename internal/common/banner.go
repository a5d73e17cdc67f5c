package common

import (
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()
	countries := strings.Join(config.Reporting.AllowedCountryCodes, ",")

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("WTM REPORTING")
	b.PrintCenteredText("Private Telemetry Pipeline")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 18)
	b.PrintKeyValue("Build", build, 18)
	b.PrintKeyValue("Environment", config.Environment, 18)
	b.PrintKeyValue("Badger Path", config.Storage.Badger.Path, 18)
	b.PrintKeyValue("Patterns URL", config.Patterns.PatternsURL, 18)
	b.PrintKeyValue("Allowed Countries", countries, 18)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("badger_path", config.Storage.Badger.Path).
		Str("patterns_url", config.Patterns.PatternsURL).
		Str("allowed_country_codes", countries).
		Msg("application started")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the components the orchestrator wires on this
// run (spec.md §4.10 / SPEC_FULL.md's C10 orchestrator).
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Components:\n")
	fmt.Printf("   - Bloom filter %q v%d, %d partitions, %d generations\n",
		config.Bloom.Name, config.Bloom.Version, len(config.Bloom.Partitions), config.Bloom.MaxGenerations)
	fmt.Printf("   - PersistedHashes swept on every reporting tick (%dms)\n",
		config.Reporting.TickIntervalMs)
	fmt.Printf("   - SessionStorageWrapper namespace %q v%d\n", config.Session.Namespace, config.Session.Version)
	fmt.Printf("   - PageDB max %d mappings, %d entries checked per tick\n",
		config.PageDB.MaxAllowedMappings, config.PageDB.MaxEntriesToCheckPerTick)
	fmt.Printf("   - QuorumChecker namespace %q\n", config.Quorum.Namespace)
	fmt.Printf("   - Sanitizer strict=%v tryPreservePath=%v\n", config.Sanitizer.Strict, config.Sanitizer.TryPreservePath)
	fmt.Printf("   - Scheduler global job limit %d\n", config.Scheduler.GlobalJobLimit)

	logger.Info().
		Str("bloom_name", config.Bloom.Name).
		Int("bloom_partitions", len(config.Bloom.Partitions)).
		Int("global_job_limit", config.Scheduler.GlobalJobLimit).
		Msg("components configured")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("WTM REPORTING")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("application shutting down")
}

// PrintColorizedMessage prints a message with specified color to stdout; it
// does not log, and logger is unused.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it.
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("[ok] %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it.
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("[error] %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it.
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("[warn] %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it.
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("[info] %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
