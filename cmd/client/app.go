package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	slogmulti "github.com/samber/slog-multi"

	"ex-hibiki/internal/driver"
	"ex-hibiki/internal/kernel"
	"ex-hibiki/modules/auditlog"
	"ex-hibiki/modules/stats"
	"ex-hibiki/pkg/hibiki"
)

const (
	envConfigFile             = "HIBIKI_CONFIG_FILE"
	defaultConfigFilePath     = "config/client.json"
	alternateConfigFilePath   = "bin/config/client.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultRecordBuffer       = 128
)

type appConfig struct {
	logLevel slog.Level
	logFile  string

	accountType         hibiki.AccountType
	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int
	recordBuffer        int
	maxInFlight         int
	maxAttempts         int

	statsEnabled  bool
	statsSchedule string
	auditEnabled  bool
	auditBuffer   int

	drivers []driver.Definition
}

type fileConfig struct {
	LogLevel string            `json:"log_level"`
	LogFile  string            `json:"log_file"`
	Session  fileSessionConfig `json:"session"`
	Stats    fileStatsConfig   `json:"stats"`
	Audit    fileAuditConfig   `json:"audit"`
	Drivers  []fileDriverEntry `json:"drivers"`
}

type fileSessionConfig struct {
	AccountType         string `json:"account_type"`
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
	RecordBuffer        *int   `json:"record_buffer"`
	MaxInFlight         *int   `json:"max_in_flight"`
	MaxAttempts         *int   `json:"max_attempts"`
}

type fileStatsConfig struct {
	Enabled  *bool  `json:"enabled"`
	Schedule string `json:"schedule"`
}

type fileAuditConfig struct {
	Enabled *bool `json:"enabled"`
	Buffer  *int  `json:"buffer"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

func run() error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(os.Stdout, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeLog()
	}()

	runtime, err := buildDriverRuntime(context.Background(), logger, cfg, registry)
	if err != nil {
		return err
	}

	session, err := buildSession(logger, cfg, runtime)
	if err != nil {
		return err
	}
	if err := registerRuntimeModules(context.Background(), session, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("hibiki client starting",
		"driver", runtime.Name,
		"account_type", string(cfg.accountType),
	)
	if err := session.Run(ctx, runtime.Source); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run session: %w", err)
	}

	return nil
}

func loadConfig(registry *driver.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		accountType:         hibiki.AccountTypeBot,
		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,
		recordBuffer:        defaultRecordBuffer,

		statsEnabled:  true,
		statsSchedule: stats.DefaultSchedule,
		auditEnabled:  true,

		drivers: make([]driver.Definition, 0),
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}
	cfg.logFile = strings.TrimSpace(parsed.LogFile)

	if err := applySessionConfig(cfg, parsed.Session); err != nil {
		return err
	}

	if parsed.Stats.Enabled != nil {
		cfg.statsEnabled = *parsed.Stats.Enabled
	}
	if schedule := strings.TrimSpace(parsed.Stats.Schedule); schedule != "" {
		cfg.statsSchedule = schedule
	}
	if parsed.Audit.Enabled != nil {
		cfg.auditEnabled = *parsed.Audit.Enabled
	}
	if parsed.Audit.Buffer != nil {
		if *parsed.Audit.Buffer <= 0 {
			return fmt.Errorf("parse audit.buffer: must be > 0")
		}
		cfg.auditBuffer = *parsed.Audit.Buffer
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}

	return nil
}

func applySessionConfig(cfg *appConfig, parsed fileSessionConfig) error {
	if rawType := strings.TrimSpace(parsed.AccountType); rawType != "" {
		accountType := hibiki.AccountType(strings.ToLower(rawType))
		if err := accountType.Validate(); err != nil {
			return fmt.Errorf("parse session.account_type: %w", err)
		}
		cfg.accountType = accountType
	}

	if err := parsePositiveDuration("session.module_hook_timeout", parsed.ModuleHookTimeout, &cfg.moduleHookTimeout); err != nil {
		return err
	}
	if err := parsePositiveDuration("session.shutdown_timeout", parsed.ShutdownTimeout, &cfg.shutdownTimeout); err != nil {
		return err
	}

	positives := []struct {
		field  string
		value  *int
		target *int
	}{
		{field: "session.subscription_buffer", value: parsed.SubscriptionBuffer, target: &cfg.subscriptionBuffer},
		{field: "session.subscription_workers", value: parsed.SubscriptionWorkers, target: &cfg.subscriptionWorkers},
		{field: "session.record_buffer", value: parsed.RecordBuffer, target: &cfg.recordBuffer},
		{field: "session.max_in_flight", value: parsed.MaxInFlight, target: &cfg.maxInFlight},
		{field: "session.max_attempts", value: parsed.MaxAttempts, target: &cfg.maxAttempts},
	}
	for _, positive := range positives {
		if positive.value == nil {
			continue
		}
		if *positive.value <= 0 {
			return fmt.Errorf("parse %s: must be > 0", positive.field)
		}
		*positive.target = *positive.value
	}

	return nil
}

func parsePositiveDuration(field string, raw string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	timeout, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if timeout <= 0 {
		return fmt.Errorf("parse %s: must be > 0", field)
	}
	*target = timeout

	return nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	seen := make(map[string]struct{}, len(cfg.drivers))
	enabled := 0
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.DescriptionForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabled++
	}

	// A session owns one inbound stream; several logins need several processes.
	switch {
	case enabled == 0:
		return fmt.Errorf("exactly one enabled driver is required, got none")
	case enabled > 1:
		return fmt.Errorf("exactly one enabled driver is required, got %d", enabled)
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

// newLogger writes JSON to stdout and, when log_file is set, text to the file.
func newLogger(stdout io.Writer, cfg appConfig) (*slog.Logger, func() error, error) {
	options := &slog.HandlerOptions{Level: cfg.logLevel}
	handlers := []slog.Handler{slog.NewJSONHandler(stdout, options)}
	closeLog := func() error { return nil }

	if cfg.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.logFile), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir for %s: %w", cfg.logFile, err)
		}
		file, err := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.logFile, err)
		}
		handlers = append(handlers, slog.NewTextHandler(file, options))
		closeLog = file.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeLog, nil
}

func buildDriverRuntime(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *driver.Registry,
) (driver.Runtime, error) {
	if registry == nil {
		return driver.Runtime{}, fmt.Errorf("build drivers: nil driver registry")
	}

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return driver.Runtime{}, fmt.Errorf("build drivers: %w", err)
	}
	if len(runtimes) != 1 {
		return driver.Runtime{}, fmt.Errorf("build drivers: got %d runtimes, want 1", len(runtimes))
	}

	return runtimes[0], nil
}

func sessionOptions(logger *slog.Logger, cfg appConfig, runtime driver.Runtime) []kernel.Option {
	options := []kernel.Option{
		kernel.WithLogger(logger),
		kernel.WithTransport(runtime.Transport),
		kernel.WithAccountType(cfg.accountType),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithRecordBuffer(cfg.recordBuffer),
	}
	if cfg.maxInFlight > 0 {
		options = append(options, kernel.WithMaxInFlight(cfg.maxInFlight))
	}
	if cfg.maxAttempts > 0 {
		options = append(options, kernel.WithMaxAttempts(cfg.maxAttempts))
	}

	return options
}

func buildSession(logger *slog.Logger, cfg appConfig, runtime driver.Runtime) (*kernel.Session, error) {
	session, err := kernel.NewSession(sessionOptions(logger, cfg, runtime)...)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	return session, nil
}

func registerRuntimeModules(ctx context.Context, session *kernel.Session, cfg appConfig) error {
	if cfg.auditEnabled {
		var options []auditlog.Option
		if cfg.auditBuffer > 0 {
			options = append(options, auditlog.WithBuffer(cfg.auditBuffer))
		}
		if err := session.RegisterModule(ctx, auditlog.New(options...)); err != nil {
			return fmt.Errorf("register auditlog module: %w", err)
		}
	}
	if cfg.statsEnabled {
		if err := session.RegisterModule(ctx, stats.New(stats.WithSchedule(cfg.statsSchedule))); err != nil {
			return fmt.Errorf("register stats module: %w", err)
		}
	}

	return nil
}
