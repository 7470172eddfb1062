package main

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zmigrate/internal/config"
	"github.com/zzenonn/zmigrate/internal/diskguard"
	"github.com/zzenonn/zmigrate/internal/logging"
	"github.com/zzenonn/zmigrate/internal/progress"
	"github.com/zzenonn/zmigrate/internal/rclone"
	"github.com/zzenonn/zmigrate/internal/repository/locks"
	"github.com/zzenonn/zmigrate/internal/repository/objectstore"
	"github.com/zzenonn/zmigrate/internal/service"
)

var (
	cfgFile string

	cfg           *config.Config
	stagingRepo   objectstore.ObjectRepository
	progressStore *progress.Store
	guard         *diskguard.Guard
	runner        *rclone.Runner
	shutdown      *service.ShutdownFlag
)

var rootCmd = &cobra.Command{
	Use:   "zmigrate",
	Short: "Bulk file-tree migration between cloud remotes",
	Long:  "Migrates large file trees between cloud storage remotes by staging them as size-bounded archives in an intermediate object store",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("staging-bucket", "", "staging bucket (s3://name or gs://name)")
	rootCmd.PersistentFlags().String("source-remote", "", "rclone source remote (remote:path)")
	rootCmd.PersistentFlags().String("dest-remote", "", "rclone destination remote (remote:path)")
	rootCmd.PersistentFlags().String("work-dir", "", "local scratch directory")
	rootCmd.PersistentFlags().Int("workers", 0, "parallel unit workers")
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgFile, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)

	bucketConfig, err := objectstore.ParseBucketConfig(cfg.StagingBucket)
	if err != nil {
		log.Fatalf("Invalid staging bucket: %v", err)
	}

	factory := objectstore.NewObjectRepositoryFactory(cfg.AwsConfig, cfg.GcsClient)
	baseRepo, err := factory.CreateRepository(bucketConfig)
	if err != nil {
		log.Fatalf("Failed to create staging repository: %v", err)
	}
	stagingRepo = objectstore.NewRetryingRepository(baseRepo, cfg.RetryMaxAttempts, cfg.RetryMaxElapsed)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("Failed to create work directory: %v", err)
	}

	progressStore = progress.NewStore(stagingRepo, cfg.StagingPrefix, cfg.ProgressFileCap)
	guard = diskguard.NewGuard(cfg.WorkDir, cfg.DiskSoftPercent, cfg.DiskHardPercent)
	runner = rclone.NewRunner(cfg.RcloneBinary, cfg.RcloneConfig)
	shutdown = &service.ShutdownFlag{}
}

// newInstanceLock builds the configured lock backend, named per phase so
// pack and unpack can run side by side.
func newInstanceLock(phase string) (locks.InstanceLock, error) {
	opts := locks.Options{
		Path:  filepath.Join(cfg.WorkDir, phase+".lock"),
		Table: cfg.LockTable,
		Name:  phase,
	}
	var deps locks.Deps
	if locks.Backend(cfg.LockBackend) == locks.DynamoDBBackend {
		deps.DynamoClient = locks.NewDynamoClient(cfg.AwsConfig)
	}
	return locks.New(locks.Backend(cfg.LockBackend), opts, deps)
}

func newOrchestrator(phase string) (*service.Orchestrator, error) {
	lock, err := newInstanceLock(phase)
	if err != nil {
		return nil, err
	}
	return service.NewOrchestrator(stagingRepo, lock, guard, runner, cfg.StagingPrefix, cfg.Workers, shutdown), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
