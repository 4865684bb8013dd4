package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/overlord/internal/api/http"
	"github.com/EternisAI/overlord/internal/auth"
	"github.com/EternisAI/overlord/internal/db"
	"github.com/EternisAI/overlord/internal/discovery"
	grpcserver "github.com/EternisAI/overlord/internal/grpc/server"
	grpctls "github.com/EternisAI/overlord/internal/grpc/tls"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Grpc      GrpcConfig
	Discovery DiscoveryConfig
	Link      LinkConfig
	Auth      auth.Config
	DB        db.Config
}

type GrpcConfig struct {
	Port int            `mapstructure:"port"`
	TLS  grpctls.Config `mapstructure:"tls"`
}

type DiscoveryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// AdvertiseHost is announced to probing agents. Empty lets them use
	// the address the announce came from.
	AdvertiseHost string `mapstructure:"advertise_host"`
}

type LinkConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SpawnDeadline    time.Duration `mapstructure:"spawn_deadline"`
	PropertiesTTL    time.Duration `mapstructure:"properties_ttl"`
	RPCTimeout       time.Duration `mapstructure:"rpc_timeout"`
}

func (c LinkConfig) handlerConfig() grpcserver.LinkConfig {
	return grpcserver.LinkConfig{
		PingInterval:     c.PingInterval,
		Timeout:          c.Timeout,
		HandshakeTimeout: c.HandshakeTimeout,
	}
}

// spawnDeadline is never shorter than one ping interval.
func (c LinkConfig) spawnDeadline() time.Duration {
	if c.SpawnDeadline < c.PingInterval {
		return c.PingInterval
	}
	return c.SpawnDeadline
}

type Flags struct {
	ConfigFile   string
	HashPassword bool
}

var config Config

func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("http.port", 9000)
	viper.SetDefault("http.forward_port_range.start", 20000)
	viper.SetDefault("http.forward_port_range.end", 20099)
	viper.SetDefault("http.forward_bind_host", "0.0.0.0")
	viper.SetDefault("grpc.port", 4455)
	viper.SetDefault("discovery.enabled", true)
	viper.SetDefault("discovery.port", discovery.DefaultPort)
	viper.SetDefault("link.ping_interval", 3*time.Second)
	viper.SetDefault("link.timeout", 10*time.Second)
	viper.SetDefault("link.handshake_timeout", 10*time.Second)
	viper.SetDefault("link.spawn_deadline", 10*time.Second)
	viper.SetDefault("link.properties_ttl", time.Minute)
	viper.SetDefault("link.rpc_timeout", 30*time.Second)
	viper.SetDefault("auth.token_ttl", 24*time.Hour)
}

func parseFlags() Flags {
	var flags Flags
	pflag.StringVarP(&flags.ConfigFile, "config", "c", "", "path to application.yml")
	pflag.String("log-level", "", "log level: ERROR, WARNING, INFO or DEBUG")
	pflag.BoolVar(&flags.HashPassword, "hash-password", false, "read a password from stdin, print its bcrypt hash for auth.users and exit")
	pflag.Parse()
	_ = viper.BindPFlag("log.level", pflag.Lookup("log-level"))
	return flags
}

func InitConfig(flags Flags) {
	_ = godotenv.Load()

	setDefaults()
	if flags.ConfigFile != "" {
		viper.SetConfigFile(flags.ConfigFile)
	} else {
		viper.SetConfigName("application")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./cmd/overlord")
	}
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || flags.ConfigFile != "" {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Auth.JWTSecret = "***"
		redacted.Http.AdminAPIKey = "***"
		redacted.DB.URL = "***"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
