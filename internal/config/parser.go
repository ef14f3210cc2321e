// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zfstools/autobackupd/internal/models"
	"github.com/zfstools/autobackupd/internal/schedule"
)

const (
	defaultAPIURL     = "http://localhost:8545"
	defaultAPITimeout = 30 * time.Second

	defaultBackupInterval     = 600 * time.Second
	defaultRemoteSyncInterval = 24 * time.Hour
	defaultPollInterval       = 30 * time.Second
	defaultUnhealthyAfter     = 3

	allDays  = "1111111"
	allHours = "111111111111111111111111"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	// Parse ZFS API settings.
	cfg.API = models.APIConfig{
		URL:     p.expandEnv(p.v.GetString("zfs_api.url")),
		Timeout: p.v.GetDuration("zfs_api.timeout"),
	}
	if cfg.API.URL == "" {
		cfg.API.URL = defaultAPIURL
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = defaultAPITimeout
	}

	server, err := p.parseServer()
	if err != nil {
		return nil, err
	}
	cfg.Server = server

	cfg.Retention = p.parseRetention()

	datasets, err := p.parseDatasets()
	if err != nil {
		return nil, err
	}
	cfg.Datasets = datasets

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

func (p *Parser) parseServer() (models.ServerConfig, error) {
	server := models.ServerConfig{
		BackupInterval: p.v.GetDuration("server.backup_interval"),
		Schedule: models.Schedule{
			Days:  p.v.GetString("server.schedule.days"),
			Hours: p.v.GetString("server.schedule.hours"),
		},
		RemoteSync:         p.v.GetBool("server.remote_sync.enabled"),
		RemoteSyncInterval: p.v.GetDuration("server.remote_sync.interval"),
		RemoteSyncSchedule: models.Schedule{
			Days:  p.v.GetString("server.remote_sync.days"),
			Hours: p.v.GetString("server.remote_sync.hours"),
		},
		PollInterval:   p.v.GetDuration("server.poll_interval"),
		ReloadInterval: p.v.GetDuration("server.reload_interval"),
		HealthAddr:     p.v.GetString("server.health_addr"),
		UnhealthyAfter: p.v.GetInt("server.unhealthy_after"),
	}

	// Set defaults.
	if server.BackupInterval == 0 {
		server.BackupInterval = defaultBackupInterval
	}
	if server.Schedule.Days == "" {
		server.Schedule.Days = allDays
	}
	if server.Schedule.Hours == "" {
		server.Schedule.Hours = allHours
	}
	if server.RemoteSyncInterval == 0 {
		server.RemoteSyncInterval = defaultRemoteSyncInterval
	}
	if server.RemoteSyncSchedule.Days == "" {
		server.RemoteSyncSchedule.Days = allDays
	}
	if server.RemoteSyncSchedule.Hours == "" {
		server.RemoteSyncSchedule.Hours = allHours
	}
	if server.PollInterval == 0 {
		server.PollInterval = defaultPollInterval
	}
	if server.UnhealthyAfter == 0 {
		server.UnhealthyAfter = defaultUnhealthyAfter
	}

	if err := schedule.Validate(server.Schedule); err != nil {
		return server, fmt.Errorf("server.schedule: %w", err)
	}
	if err := schedule.Validate(server.RemoteSyncSchedule); err != nil {
		return server, fmt.Errorf("server.remote_sync: %w", err)
	}

	return server, nil
}

func (p *Parser) parseRetention() models.RetentionPolicy {
	// An absent retention block gets the full default policy; a present one
	// is taken verbatim so a zero keep-count can disable a granularity.
	if !p.v.IsSet("server.retention") {
		return models.RetentionPolicy{
			KeepFrequent: 4,
			KeepHourly:   12,
			KeepDaily:    7,
			KeepWeekly:   4,
			KeepMonthly:  6,
			KeepYearly:   3,
		}
	}

	return models.RetentionPolicy{
		KeepFrequent: p.v.GetInt("server.retention.keep_frequent"),
		KeepHourly:   p.v.GetInt("server.retention.keep_hourly"),
		KeepDaily:    p.v.GetInt("server.retention.keep_daily"),
		KeepWeekly:   p.v.GetInt("server.retention.keep_weekly"),
		KeepMonthly:  p.v.GetInt("server.retention.keep_monthly"),
		KeepYearly:   p.v.GetInt("server.retention.keep_yearly"),
	}
}

// rawDataset mirrors the YAML shape of a dataset entry. Optional booleans are
// pointers so an omitted "enabled" defaults to true.
type rawDataset struct {
	Name         string           `mapstructure:"name"`
	Enabled      *bool            `mapstructure:"enabled"`
	Destinations []rawDestination `mapstructure:"destinations"`
}

type rawDestination struct {
	RemoteHost    string        `mapstructure:"remote_host"`
	RemoteDataset string        `mapstructure:"remote_dataset"`
	Enabled       *bool         `mapstructure:"enabled"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`

	WOL         *rawWOL `mapstructure:"wol"`
	SSHShutdown *rawSSH `mapstructure:"ssh_shutdown"`
}

type rawWOL struct {
	MACAddress    string        `mapstructure:"mac_address"`
	BroadcastIP   string        `mapstructure:"broadcast_ip"`
	PollURL       string        `mapstructure:"poll_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StabilizeWait time.Duration `mapstructure:"stabilize_wait"`
}

type rawSSH struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	KeyPath       string `mapstructure:"key_path"`
	ShutdownDelay int    `mapstructure:"shutdown_delay"`
	OS            string `mapstructure:"os"`
}

func (p *Parser) parseDatasets() ([]models.Dataset, error) {
	var raw []rawDataset
	if err := p.v.UnmarshalKey("datasets", &raw); err != nil {
		return nil, fmt.Errorf("parsing datasets: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("datasets is required")
	}

	datasets := make([]models.Dataset, 0, len(raw))
	for i, rd := range raw {
		if rd.Name == "" {
			return nil, fmt.Errorf("datasets[%d].name is required", i)
		}

		ds := models.Dataset{
			Name:    rd.Name,
			Enabled: rd.Enabled == nil || *rd.Enabled,
		}
		for j, rdest := range rd.Destinations {
			dest, err := parseDestination(rdest)
			if err != nil {
				return nil, fmt.Errorf("datasets[%d].destinations[%d]: %w", i, j, err)
			}
			ds.Destinations = append(ds.Destinations, dest)
		}
		datasets = append(datasets, ds)
	}

	return datasets, nil
}

func parseDestination(rd rawDestination) (models.Destination, error) {
	dest := models.Destination{
		RemoteHost:    rd.RemoteHost,
		RemoteDataset: rd.RemoteDataset,
		Enabled:       rd.Enabled == nil || *rd.Enabled,
		SyncInterval:  rd.SyncInterval,
	}
	if dest.RemoteHost == "" {
		return dest, fmt.Errorf("remote_host is required")
	}

	if rd.WOL != nil {
		wol := &models.WOLConfig{
			MACAddress:    rd.WOL.MACAddress,
			BroadcastIP:   rd.WOL.BroadcastIP,
			PollURL:       rd.WOL.PollURL,
			Timeout:       rd.WOL.Timeout,
			PollInterval:  rd.WOL.PollInterval,
			StabilizeWait: rd.WOL.StabilizeWait,
		}

		if wol.MACAddress == "" {
			return dest, fmt.Errorf("wol.mac_address is required when wol is configured")
		}

		// Set defaults.
		if wol.BroadcastIP == "" {
			wol.BroadcastIP = "255.255.255.255"
		}
		if wol.Timeout == 0 {
			wol.Timeout = 5 * time.Minute
		}
		if wol.PollInterval == 0 {
			wol.PollInterval = 10 * time.Second
		}
		if wol.StabilizeWait == 0 {
			wol.StabilizeWait = 10 * time.Second
		}
		dest.WOL = wol
	}

	if rd.SSHShutdown != nil {
		ssh := &models.SSHShutdownConfig{
			Host:          rd.SSHShutdown.Host,
			Port:          rd.SSHShutdown.Port,
			Username:      rd.SSHShutdown.Username,
			KeyPath:       os.ExpandEnv(rd.SSHShutdown.KeyPath),
			ShutdownDelay: rd.SSHShutdown.ShutdownDelay,
			OS:            rd.SSHShutdown.OS,
		}

		if ssh.Host == "" {
			ssh.Host = dest.RemoteHost
		}
		if ssh.Port == 0 {
			ssh.Port = 22
		}
		if ssh.Username == "" {
			ssh.Username = "root"
		}
		if ssh.KeyPath == "" {
			return dest, fmt.Errorf("ssh_shutdown.key_path is required when ssh_shutdown is configured")
		}
		if ssh.ShutdownDelay == 0 {
			ssh.ShutdownDelay = 1
		}
		if ssh.OS == "" {
			ssh.OS = "linux"
		}
		validOS := map[string]bool{"linux": true, "windows": true}
		if !validOS[ssh.OS] {
			return dest, fmt.Errorf("ssh_shutdown.os must be one of: linux, windows")
		}
		dest.SSHShutdown = ssh
	}

	return dest, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.API.URL == "" {
		return fmt.Errorf("zfs_api.url is required")
	}

	// A bare number in YAML decodes as nanoseconds, so a sub-second interval
	// almost always means a missing unit suffix ("600" instead of "600s").
	if cfg.Server.BackupInterval < time.Second {
		return fmt.Errorf("server.backup_interval %s is below 1s, use a duration with units such as \"600s\"", cfg.Server.BackupInterval)
	}
	if cfg.Server.RemoteSyncInterval < time.Second {
		return fmt.Errorf("server.remote_sync_interval %s is below 1s, use a duration with units such as \"24h\"", cfg.Server.RemoteSyncInterval)
	}
	if cfg.Server.PollInterval < time.Second {
		return fmt.Errorf("server.poll_interval %s is below 1s, use a duration with units such as \"30s\"", cfg.Server.PollInterval)
	}

	if err := schedule.Validate(cfg.Server.Schedule); err != nil {
		return fmt.Errorf("server.schedule: %w", err)
	}
	if err := schedule.Validate(cfg.Server.RemoteSyncSchedule); err != nil {
		return fmt.Errorf("server.remote_sync: %w", err)
	}

	if len(cfg.Datasets) == 0 {
		return fmt.Errorf("datasets is required")
	}
	for i, ds := range cfg.Datasets {
		if ds.Name == "" {
			return fmt.Errorf("datasets[%d].name is required", i)
		}
		for j, dest := range ds.Destinations {
			if dest.SyncInterval != 0 && dest.SyncInterval < time.Second {
				return fmt.Errorf("datasets[%d].destinations[%d].sync_interval %s is below 1s, use a duration with units such as \"24h\"", i, j, dest.SyncInterval)
			}
		}
	}

	return nil
}
