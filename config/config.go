package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailtools/pop3-to-pipe/model"
)

// DefaultCommand is the delivery pipe used for accounts that configure
// none of their own.
const DefaultCommand = "/usr/lib/sendmail -i -oem"

// Config captures all command-line options required to run the fetcher.
type Config struct {
	AccountsPath       string
	LedgerPath         string
	Delete             bool
	ReconnectEvery     time.Duration
	DefaultCommand     string
	InsecureSkipVerify bool
	LogLevel           string
	LogDir             string

	// Accounts is the validated account list from the accounts file.
	Accounts []model.Account
	// Warnings collects non-fatal findings from the accounts file; the
	// caller logs them once the logger exists.
	Warnings []string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultLedger, err := defaultLedgerPath()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("accounts", "", "Path to the YAML accounts file")
	flags.String("ledger", defaultLedger, "Path to the delivered-messages ledger database")
	flags.Bool("delete", false, "Delete messages from the server once delivered (or already delivered)")
	flags.Duration("reconnect-every", 0, "Close and reopen each session after this interval (mutually exclusive with --delete)")
	flags.String("default-command", DefaultCommand, "Delivery command for accounts that set none")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")

	if err := cmd.MarkFlagRequired("accounts"); err != nil {
		return err
	}

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with
// validation, including loading and validating the accounts file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	accountsPath, err := flags.GetString("accounts")
	if err != nil {
		return Config{}, err
	}
	ledgerPath, err := flags.GetString("ledger")
	if err != nil {
		return Config{}, err
	}
	deleteFetched, err := flags.GetBool("delete")
	if err != nil {
		return Config{}, err
	}
	reconnectEvery, err := flags.GetDuration("reconnect-every")
	if err != nil {
		return Config{}, err
	}
	defaultCommand, err := flags.GetString("default-command")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		AccountsPath:       accountsPath,
		LedgerPath:         filepath.Clean(ledgerPath),
		Delete:             deleteFetched,
		ReconnectEvery:     reconnectEvery,
		DefaultCommand:     defaultCommand,
		InsecureSkipVerify: insecureSkipVerify,
		LogLevel:           logLevel,
		LogDir:             logDir,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	cfg.Accounts, cfg.Warnings, err = LoadAccounts(accountsPath, defaultCommand)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.AccountsPath == "" {
		return fmt.Errorf("--accounts is required")
	}
	if cfg.LedgerPath == "" {
		return fmt.Errorf("--ledger must not be empty")
	}
	if cfg.ReconnectEvery < 0 {
		return fmt.Errorf("--reconnect-every must not be negative")
	}
	// Reconnecting mid-mailbox defeats the point of deleting immediately,
	// so the two modes refuse to combine.
	if cfg.Delete && cfg.ReconnectEvery > 0 {
		return fmt.Errorf("--delete and --reconnect-every are mutually exclusive")
	}
	if cfg.DefaultCommand == "" {
		return fmt.Errorf("--default-command must not be empty")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultLedgerPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pop3-to-pipe", "ledger.db"), nil
}
