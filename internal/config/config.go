// Package config loads and validates the server's bootstrap configuration.
// Loading goes through viper (file + environment) the way nabbar/golib's
// config package does; validation uses struct tags via validator/v10 so
// malformed config fails fast with a field-level message instead of a
// confusing panic deep in the server.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/nabbar/litewebserver/internal/errs"
)

// ServerConfig is the full set of bootstrap parameters from spec.md §6's
// CLI table, plus the ambient additions (logging, metrics) SPEC_FULL.md
// adds.
type ServerConfig struct {
	Port        int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	TrigMode    int    `mapstructure:"trig_mode" validate:"min=0,max=3"`
	TimeoutMS   int    `mapstructure:"timeout_ms" validate:"min=0"`
	OptLinger   bool   `mapstructure:"opt_linger"`
	SQLDriver   string `mapstructure:"sql_driver" validate:"required"`
	SQLHost     string `mapstructure:"sql_host"`
	SQLPort     int    `mapstructure:"sql_port" validate:"min=0,max=65535"`
	SQLUser     string `mapstructure:"sql_user"`
	SQLPwd      string `mapstructure:"sql_pwd"`
	DBName      string `mapstructure:"db_name"`
	ConnPoolNum int    `mapstructure:"conn_pool_num" validate:"required,min=1"`
	ThreadNum   int    `mapstructure:"thread_num" validate:"required,min=1"`
	OpenLog     bool   `mapstructure:"open_log"`
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogQueSize  int    `mapstructure:"log_que_size" validate:"min=0"`
	ResourceDir string `mapstructure:"resource_dir" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Defaults sets every field viper should fall back to when no flag, env var,
// or config file entry supplies one.
func Defaults(v *viper.Viper) {
	v.SetDefault("port", 1316)
	v.SetDefault("trig_mode", 0)
	v.SetDefault("timeout_ms", 60000)
	v.SetDefault("opt_linger", false)
	v.SetDefault("sql_driver", "sqlite")
	v.SetDefault("sql_host", "127.0.0.1")
	v.SetDefault("sql_port", 0)
	v.SetDefault("conn_pool_num", 8)
	v.SetDefault("thread_num", 4)
	v.SetDefault("open_log", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_que_size", 1024)
	v.SetDefault("resource_dir", "./resources")
	v.SetDefault("metrics_addr", "")
}

// New builds a viper instance wired for file + "LWS_"-prefixed environment
// variable loading, with Defaults pre-applied. cfgFile may be empty.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	Defaults(v)

	v.SetEnvPrefix("LWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("litewebserver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/litewebserver")
	}
	return v
}

// Load reads v into a validated ServerConfig. A missing config file is not
// an error (defaults + env + flags may be sufficient); a malformed one is.
func Load(v *viper.Viper) (*ServerConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errs.Wrap(errs.CodeStartup, err)
		}
	}

	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.Wrap(errs.CodeStartup, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errs.Wrap(errs.CodeStartup, fmt.Errorf("invalid configuration: %w", err))
	}
	return cfg, nil
}
