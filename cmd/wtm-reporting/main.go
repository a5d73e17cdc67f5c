// -----------------------------------------------------------------------
// Last Modified: Friday, 8th November 2025 4:00:00 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/reporting"
	"github.com/whotracksme/wtm-reporting/internal/storage"
	"github.com/whotracksme/wtm-reporting/internal/transport"
)

// configPaths is a custom flag type that allows multiple -config flags.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("wtm-reporting version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Install crash protection
	// 2. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 3. Initialize logger
	// 4. Print banner
	// 5. Wire storage + external collaborators and start the orchestrator

	execDir, err := os.Executable()
	if err != nil {
		common.InstallCrashHandler("")
	} else {
		common.InstallCrashHandler(filepath.Join(filepath.Dir(execDir), "logs"))
	}
	defer common.RecoverWithCrashFile()

	if len(configFiles) == 0 {
		if _, err := os.Stat("wtm-reporting.toml"); err == nil {
			configFiles = append(configFiles, "wtm-reporting.toml")
		} else if _, err := os.Stat("deployments/local/wtm-reporting.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/wtm-reporting.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := common.SetupLogger(common.NewDefaultConfig())
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	logger := common.SetupLogger(config)
	common.PrintBanner(config, logger)

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer storageManager.Close()

	deps := reporting.Deps{
		KV:             storageManager.KeyValueStorage(),
		Clock:          transport.NewSystemClock(),
		SessionBackend: storageManager.SessionStorage(),
		Quorum:         transport.NewHTTPQuorum(config.Quorum.Endpoint),
		Transport:      transport.NewHTTPCommunication(config.Transport.Endpoint),
		Doublefetcher:  transport.NewHTTPDoublefetcher(logger),
		Patterns:       transport.NewHTTPPatternsSource(config.Patterns.PatternsURL),
		Logger:         logger,
	}

	orchestrator, err := reporting.New(config, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to construct reporting orchestrator")
	}

	ctx := context.Background()
	if err := orchestrator.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize reporting orchestrator")
	}
	logger.Info().Msg("wtm-reporting ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	common.PrintShutdownBanner(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orchestrator.Unload(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Reporting orchestrator shutdown failed")
	}

	common.Stop()
	logger.Info().Msg("wtm-reporting stopped")
}
