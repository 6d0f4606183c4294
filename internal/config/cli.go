package config

import "github.com/spf13/pflag"

// CLIFlags holds command-line overrides. A nil field was not set on the
// command line and leaves the loaded value untouched.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	Env        *string
}

// AddFlags registers the config override flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", DefaultConfigFile, "path to the YAML config file")
	fs.StringP("port", "p", "", "HTTP listen port")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("dsn", "", "control-plane PostgreSQL DSN")
	fs.String("nats-url", "", "NATS server URL")
	fs.String("env", "", "environment (production or local)")
}

// FlagsFrom extracts the flags that were explicitly set on fs.
func FlagsFrom(fs *pflag.FlagSet) CLIFlags {
	get := func(name string) *string {
		if !fs.Changed(name) {
			return nil
		}
		v, err := fs.GetString(name)
		if err != nil {
			return nil
		}
		return &v
	}
	return CLIFlags{
		ConfigPath: get("config"),
		Port:       get("port"),
		LogLevel:   get("log-level"),
		DSN:        get("dsn"),
		NatsURL:    get("nats-url"),
		Env:        get("env"),
	}
}

// ParseFlags parses args into CLIFlags.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := pflag.NewFlagSet("tenantforge", pflag.ContinueOnError)
	AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, err
	}
	return FlagsFrom(fs), nil
}

func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.NatsURL != nil {
		cfg.NATS.URL = *f.NatsURL
	}
	if f.Env != nil {
		cfg.Tenancy.Environment = *f.Env
	}
}
