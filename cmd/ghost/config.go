package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/overlord/internal/discovery"
	grpctls "github.com/EternisAI/overlord/internal/grpc/tls"
	"github.com/EternisAI/overlord/internal/modes"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const defaultConfigFile = "application.yml"

type Config struct {
	Log            LogConfig
	Grpc           GrpcConfig
	MachineID      string `mapstructure:"machine_id"`
	PropertiesFile string `mapstructure:"properties_file"`
	Discovery      DiscoveryConfig
	Link           LinkConfig
	Modes          modes.Config
}

type GrpcConfig struct {
	// ServerAddress of the hub's agent port. Empty means find the hub by
	// broadcast discovery.
	ServerAddress string         `mapstructure:"server_address"`
	TLS           grpctls.Config `mapstructure:"tls"`
}

type DiscoveryConfig struct {
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LinkConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

var config Config

func setDefaults() {
	defaults := modes.DefaultConfig()
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("discovery.port", discovery.DefaultPort)
	viper.SetDefault("discovery.timeout", 10*time.Second)
	viper.SetDefault("link.ping_interval", 3*time.Second)
	viper.SetDefault("link.timeout", 10*time.Second)
	viper.SetDefault("modes.shell", defaults.Shell)
	viper.SetDefault("modes.log_file", defaults.LogFile)
	viper.SetDefault("modes.exec_timeout", defaults.ExecTimeout)
}

func parseFlags() string {
	configFile := pflag.StringP("config", "c", "", "path to application.yml")
	pflag.String("server", "", "hub agent address host:port (skips discovery)")
	pflag.String("log-level", "", "log level: ERROR, WARNING, INFO or DEBUG")
	pflag.Parse()
	_ = viper.BindPFlag("grpc.server_address", pflag.Lookup("server"))
	_ = viper.BindPFlag("log.level", pflag.Lookup("log-level"))
	return *configFile
}

// InitConfig loads the configuration and returns the file a generated
// machine id should be written back to.
func InitConfig(configFile string) string {
	_ = godotenv.Load()

	setDefaults()
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("application")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./cmd/ghost")
	}
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigFile
}
