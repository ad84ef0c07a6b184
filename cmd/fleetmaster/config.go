package main

import (
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Config holds the application flag configuration.
type Config struct {
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string

	ListenAddr   string
	MasterURL    string
	DBPath       string
	ArtifactDir  string
	PlanInterval time.Duration
	CatalogPath  string

	SSHUser    string
	SSHKeyPath string
	SSHPort    int
	BuildHost  string

	SandboxPortMin int
	SandboxPortMax int

	AnthropicAPIKey string
	AnthropicModel  string

	TelegramToken  string
	TelegramChatID int64
}

// NewConfig initializes the application flags.
func NewConfig(app *kingpin.Application) *Config {
	c := &Config{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	app.Flag("listen-addr", "Address the API server listens on.").Default(":8080").StringVar(&c.ListenAddr)
	app.Flag("master-url", "Externally reachable API address, embedded in worker scripts.").Default("http://localhost:8080").StringVar(&c.MasterURL)

	defaultDBPath := filepath.Join(homedir.HomeDir(), ".fleetmaster", "fleetmaster.db")
	app.Flag("db-path", "Path to the SQLite database file.").Default(defaultDBPath).StringVar(&c.DBPath)

	app.Flag("artifact-dir", "Shared directory where per-task artifacts land.").Default("/mnt/shared/artifacts").StringVar(&c.ArtifactDir)
	app.Flag("plan-interval", "Polling interval of the planning loop.").Default("5s").DurationVar(&c.PlanInterval)
	app.Flag("catalog", "Optional YAML file with extra fallback plans.").StringVar(&c.CatalogPath)

	app.Flag("ssh-user", "SSH user on the fleet machines.").Default("root").StringVar(&c.SSHUser)
	defaultSSHKey := filepath.Join(homedir.HomeDir(), ".ssh", "id_ed25519")
	app.Flag("ssh-key", "Path to the SSH private key.").Default(defaultSSHKey).StringVar(&c.SSHKeyPath)
	app.Flag("ssh-port", "SSH port on the fleet machines.").Default("22").IntVar(&c.SSHPort)
	app.Flag("build-host", "Address of the worker that hosts sandboxes.").Default("localhost").StringVar(&c.BuildHost)

	app.Flag("sandbox-port-min", "Start of the sandbox port range.").Default("8100").IntVar(&c.SandboxPortMin)
	app.Flag("sandbox-port-max", "Exclusive end of the sandbox port range.").Default("8200").IntVar(&c.SandboxPortMax)

	app.Flag("anthropic-api-key", "Anthropic API key, planning and sandboxes fall back or reject without it.").StringVar(&c.AnthropicAPIKey)
	app.Flag("anthropic-model", "Anthropic model override.").StringVar(&c.AnthropicModel)

	app.Flag("telegram-token", "Telegram bot token for operator notifications.").StringVar(&c.TelegramToken)
	app.Flag("telegram-chat-id", "Telegram chat the notifications go to.").Int64Var(&c.TelegramChatID)

	return c
}
