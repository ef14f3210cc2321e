package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zfstools/autobackupd/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without contacting the storage API.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Storage API: %s\n", cfg.API.URL)
	fmt.Printf("  Backup interval: %s\n", cfg.Server.BackupInterval)
	fmt.Printf("  Snapshot schedule: days=%s hours=%s\n", cfg.Server.Schedule.Days, cfg.Server.Schedule.Hours)
	fmt.Printf("  Remote sync: %v\n", cfg.Server.RemoteSync)
	if cfg.Server.RemoteSync {
		fmt.Printf("  Sync interval: %s\n", cfg.Server.RemoteSyncInterval)
		fmt.Printf("  Sync schedule: days=%s hours=%s\n", cfg.Server.RemoteSyncSchedule.Days, cfg.Server.RemoteSyncSchedule.Hours)
	}
	fmt.Println()
	fmt.Println("Retention Policy:")
	fmt.Printf("  Keep frequent: %d\n", cfg.Retention.KeepFrequent)
	fmt.Printf("  Keep hourly: %d\n", cfg.Retention.KeepHourly)
	fmt.Printf("  Keep daily: %d\n", cfg.Retention.KeepDaily)
	fmt.Printf("  Keep weekly: %d\n", cfg.Retention.KeepWeekly)
	fmt.Printf("  Keep monthly: %d\n", cfg.Retention.KeepMonthly)
	fmt.Printf("  Keep yearly: %d\n", cfg.Retention.KeepYearly)

	fmt.Println()
	fmt.Printf("Datasets (%d):\n", len(cfg.Datasets))
	for _, ds := range cfg.Datasets {
		state := "enabled"
		if !ds.Enabled {
			state = "disabled"
		}
		fmt.Printf("  %s (%s)\n", ds.Name, state)
		for _, dest := range ds.Destinations {
			extras := ""
			if dest.WOL != nil {
				extras += " +wol"
			}
			if dest.SSHShutdown != nil {
				extras += " +ssh_shutdown"
			}
			fmt.Printf("    -> %s:%s%s\n", dest.RemoteHost, dest.TargetDataset(ds.Name), extras)
		}
	}

	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Health endpoint: %v\n", cfg.Server.HealthAddr != "")
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
