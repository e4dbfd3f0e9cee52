package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zzenonn/zcrush/internal/pool"
)

// ssmPrefix marks values that name an SSM parameter instead of holding the
// value itself, e.g. "ssm:/zcrush/prod/catalog_table".
const ssmPrefix = "ssm:"

// CatalogConfig selects where published epochs are recorded.
type CatalogConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
	Table   string `mapstructure:"table" yaml:"table"`
}

// Config holds the application configuration
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	// Cluster names the catalog partition epochs are recorded under.
	Cluster string `mapstructure:"cluster" yaml:"cluster"`
	// Map is the snapshot to load: a local path or an object URI.
	Map string `mapstructure:"map" yaml:"map"`
	// Archive is where published snapshots are stored.
	Archive     string        `mapstructure:"archive" yaml:"archive"`
	HistorySize int           `mapstructure:"history_size" yaml:"history_size"`
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	Catalog     CatalogConfig `mapstructure:"catalog" yaml:"catalog"`
	Pools       pool.Set      `mapstructure:"pools" yaml:"pools"`

	// AWS SDK uses a shared configuration object that contains
	// credentials, region, retry policies, etc. It is loaded on first
	// use so that local-only commands need no credentials.
	awsOnce   sync.Once
	awsConfig aws.Config
	awsErr    error

	gcsOnce   sync.Once
	gcsClient *storage.Client
	gcsErr    error
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if needsSSM(cfg) {
		awsCfg, err := cfg.AWS(context.Background())
		if err != nil {
			return nil, err
		}
		if err := ResolveSSM(context.Background(), ssm.NewFromConfig(awsCfg), cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Pools.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("cluster", "default")
	viper.SetDefault("map", "crushmap.yaml")
	viper.SetDefault("archive", "./epochs")
	viper.SetDefault("history_size", 16)
	viper.SetDefault("workers", 0)
	viper.SetDefault("catalog.backend", "bolt")
	viper.SetDefault("catalog.path", "zcrush-catalog.db")
	viper.SetDefault("catalog.table", "zcrush_epochs")
}

// AWS returns the shared AWS SDK configuration, loading it on first use.
func (c *Config) AWS(ctx context.Context) (aws.Config, error) {
	c.awsOnce.Do(func() {
		c.awsConfig, c.awsErr = awsconfig.LoadDefaultConfig(ctx)
		if c.awsErr != nil {
			c.awsErr = fmt.Errorf("unable to load AWS SDK config: %w", c.awsErr)
		}
	})
	return c.awsConfig, c.awsErr
}

// GCS returns the Google Cloud Storage client, creating it on first use.
// Google Cloud SDK clients configure themselves from the environment.
func (c *Config) GCS(ctx context.Context) (*storage.Client, error) {
	c.gcsOnce.Do(func() {
		c.gcsClient, c.gcsErr = storage.NewClient(ctx)
		if c.gcsErr != nil {
			c.gcsErr = fmt.Errorf("unable to create GCS client: %w", c.gcsErr)
		}
	})
	return c.gcsClient, c.gcsErr
}

// ParameterGetter is the part of the SSM client used to resolve values.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

func ssmFields(cfg *Config) []*string {
	return []*string{&cfg.Map, &cfg.Archive, &cfg.Catalog.Path, &cfg.Catalog.Table}
}

func needsSSM(cfg *Config) bool {
	for _, f := range ssmFields(cfg) {
		if strings.HasPrefix(*f, ssmPrefix) {
			return true
		}
	}
	return false
}

// ResolveSSM replaces every "ssm:<name>" value with the decrypted value of
// that parameter.
func ResolveSSM(ctx context.Context, client ParameterGetter, cfg *Config) error {
	for _, f := range ssmFields(cfg) {
		name, ok := strings.CutPrefix(*f, ssmPrefix)
		if !ok {
			continue
		}
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("failed to resolve SSM parameter %s: %w", name, err)
		}
		if out.Parameter == nil {
			return fmt.Errorf("SSM parameter %s has no value", name)
		}
		log.Debugf("Resolved %s from SSM", name)
		*f = aws.ToString(out.Parameter.Value)
	}
	return nil
}
