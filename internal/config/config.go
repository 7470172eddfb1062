package config

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	zerrors "github.com/zzenonn/zmigrate/internal/errors"
)

// Config holds the application configuration
type Config struct {
	LogLevel string `yaml:"log_level"`
	// AwsConfig: AWS SDK uses a shared configuration object that contains
	// credentials, region, retry policies, etc. The S3 staging client and
	// the DynamoDB lock client are created from this single config. SDK
	// retries are set to one attempt; the objectstore retry wrapper owns
	// all retrying so backoff budgets are accounted in one place.
	AwsConfig aws.Config
	// GcsClient: only initialized when the staging bucket uses the gs://
	// scheme. The Google SDK configures itself from the environment.
	GcsClient *storage.Client

	// Staging object store.
	StagingBucket string `yaml:"staging_bucket"`
	StagingPrefix string `yaml:"staging_prefix"`

	// Rclone remotes, remote:path form.
	SourceRemote string `yaml:"source_remote"`
	DestRemote   string `yaml:"dest_remote"`
	RcloneBinary string `yaml:"rclone_binary"`
	RcloneConfig string `yaml:"rclone_config"`

	// Local scratch space.
	WorkDir string `yaml:"work_dir"`

	// Pipeline tuning.
	BatchSize            int           `yaml:"batch_size"`
	MaxArchiveSizeGB     int           `yaml:"max_archive_size_gb"`
	LargeFileThresholdGB int           `yaml:"large_file_threshold_gb"`
	DiskSoftPercent      float64       `yaml:"disk_soft_percent"`
	DiskHardPercent      float64       `yaml:"disk_hard_percent"`
	Workers              int           `yaml:"workers"`
	Transfers            int           `yaml:"transfers"`
	PollInterval         time.Duration `yaml:"poll_interval"`

	// Retry wrapper.
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryMaxElapsed  time.Duration `yaml:"retry_max_elapsed"`

	// Progress checkpoints.
	ProgressFileCap int `yaml:"progress_file_cap"`

	// Instance locking: "file" or "dynamodb".
	LockBackend string `yaml:"lock_backend"`
	LockTable   string `yaml:"lock_table"`
}

// MaxArchiveSizeBytes returns the archive size cap in bytes.
func (c *Config) MaxArchiveSizeBytes() int64 {
	return int64(c.MaxArchiveSizeGB) * 1024 * 1024 * 1024
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:             viper.GetString("log_level"),
		StagingBucket:        viper.GetString("staging_bucket"),
		StagingPrefix:        viper.GetString("staging_prefix"),
		SourceRemote:         viper.GetString("source_remote"),
		DestRemote:           viper.GetString("dest_remote"),
		RcloneBinary:         viper.GetString("rclone_binary"),
		RcloneConfig:         viper.GetString("rclone_config"),
		WorkDir:              viper.GetString("work_dir"),
		BatchSize:            viper.GetInt("batch_size"),
		MaxArchiveSizeGB:     viper.GetInt("max_archive_size_gb"),
		LargeFileThresholdGB: viper.GetInt("large_file_threshold_gb"),
		DiskSoftPercent:      viper.GetFloat64("disk_soft_percent"),
		DiskHardPercent:      viper.GetFloat64("disk_hard_percent"),
		Workers:              viper.GetInt("workers"),
		Transfers:            viper.GetInt("transfers"),
		PollInterval:         viper.GetDuration("poll_interval"),
		RetryMaxAttempts:     viper.GetInt("retry_max_attempts"),
		RetryMaxElapsed:      viper.GetDuration("retry_max_elapsed"),
		ProgressFileCap:      viper.GetInt("progress_file_cap"),
		LockBackend:          viper.GetString("lock_backend"),
		LockTable:            viper.GetString("lock_table"),
	}

	if cfg.StagingBucket == "" {
		return nil, zerrors.ConfigNotSetError("staging_bucket")
	}

	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	cfg.AwsConfig = awsCfg

	if strings.HasPrefix(cfg.StagingBucket, "gs://") {
		gcsClient, err := loadGCSClient()
		if err != nil {
			return nil, err
		}
		cfg.GcsClient = gcsClient
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
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	// Dashed flag names map onto the underscore config keys.
	for flagName, key := range map[string]string{
		"staging-bucket": "staging_bucket",
		"source-remote":  "source_remote",
		"dest-remote":    "dest_remote",
		"work-dir":       "work_dir",
		"workers":        "workers",
	} {
		if flag := rootCmd.PersistentFlags().Lookup(flagName); flag != nil {
			if err := viper.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("staging_prefix", "migration_zips/")
	viper.SetDefault("rclone_binary", "rclone")
	viper.SetDefault("work_dir", "/tmp/zmigrate")
	viper.SetDefault("batch_size", 1000)
	viper.SetDefault("max_archive_size_gb", 20)
	viper.SetDefault("large_file_threshold_gb", 20)
	viper.SetDefault("disk_soft_percent", 70.0)
	viper.SetDefault("disk_hard_percent", 80.0)
	viper.SetDefault("workers", 2)
	viper.SetDefault("transfers", 6)
	viper.SetDefault("poll_interval", 2*time.Second)
	viper.SetDefault("retry_max_attempts", 3)
	viper.SetDefault("retry_max_elapsed", 5*time.Minute)
	viper.SetDefault("progress_file_cap", 5000)
	viper.SetDefault("lock_backend", "file")
}

// loadAWSConfig loads AWS SDK configuration with a pooled, timeout-bounded
// HTTP client for the staging store.
func loadAWSConfig() (aws.Config, error) {
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(t *http.Transport) {
		t.DialContext = (&net.Dialer{Timeout: 30 * time.Second}).DialContext
		t.ResponseHeaderTimeout = 5 * time.Minute
		t.MaxIdleConnsPerHost = 50
	})

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}

// loadGCSClient loads Google Cloud Storage client
func loadGCSClient() (*storage.Client, error) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("unable to create GCS client: %v", err)
	}
	return client, nil
}
