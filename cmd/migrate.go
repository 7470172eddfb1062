package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zmigrate/internal/service"
)

var quiet bool

var mapCmd = &cobra.Command{
	Use:   "map [unit...]",
	Short: "Inventory the source remote and publish unit manifests",
	Run: func(cmd *cobra.Command, args []string) {
		mapService := service.NewMapService(stagingRepo, runner, service.MapOptions{
			Prefix:             cfg.StagingPrefix,
			SourceRemote:       cfg.SourceRemote,
			LargeFileThreshold: int64(cfg.LargeFileThresholdGB) * 1024 * 1024 * 1024,
		})

		ctx := context.Background()
		if err := runner.Available(); err != nil {
			fatal(err)
		}

		if len(args) > 0 {
			var failed int
			for _, unit := range args {
				if err := mapService.MapUnit(ctx, unit); err != nil {
					log.WithFields(log.Fields{"unit": unit, "error": err}).Error("Failed to map unit")
					failed++
				}
			}
			if failed > 0 {
				fatal(fmt.Errorf("%d unit(s) failed to map", failed))
			}
			return
		}

		if err := mapService.MapAll(ctx); err != nil {
			fatal(err)
		}
	},
}

var packCmd = &cobra.Command{
	Use:   "pack [unit...]",
	Short: "Archive source units into the staging store",
	Run: func(cmd *cobra.Command, args []string) {
		orch, err := newOrchestrator("pack")
		if err != nil {
			fatal(err)
		}

		packService := service.NewPackService(stagingRepo, runner, progressStore, guard, service.PackOptions{
			Prefix:          cfg.StagingPrefix,
			SourceRemote:    cfg.SourceRemote,
			DestRemote:      cfg.DestRemote,
			BatchSize:       cfg.BatchSize,
			MaxArchiveBytes: cfg.MaxArchiveSizeBytes(),
			Transfers:       cfg.Transfers,
			PollInterval:    cfg.PollInterval,
			Quiet:           quiet || cfg.Workers > 1,
		}, shutdown)

		ctx := context.Background()
		units, err := orch.Units(ctx, args)
		if err != nil {
			fatal(err)
		}
		if err := orch.Run(ctx, units, packService.PackUnit); err != nil {
			fatal(err)
		}
	},
}

var unpackCmd = &cobra.Command{
	Use:   "unpack [unit...]",
	Short: "Extract staged archives and republish them to the destination remote",
	Run: func(cmd *cobra.Command, args []string) {
		orch, err := newOrchestrator("unpack")
		if err != nil {
			fatal(err)
		}

		unpackService := service.NewUnpackService(stagingRepo, runner, progressStore, guard, service.UnpackOptions{
			Prefix:       cfg.StagingPrefix,
			DestRemote:   cfg.DestRemote,
			Transfers:    cfg.Transfers,
			PollInterval: cfg.PollInterval,
			Quiet:        quiet || cfg.Workers > 1,
		}, shutdown)

		ctx := context.Background()
		units, err := orch.Units(ctx, args)
		if err != nil {
			fatal(err)
		}
		if err := orch.Run(ctx, units, unpackService.UnpackUnit); err != nil {
			fatal(err)
		}
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove orphaned temp directories and abort stale multipart uploads",
	Run: func(cmd *cobra.Command, args []string) {
		removed := guard.CleanOrphans()
		fmt.Printf("Removed %d orphaned temp directories\n", removed)

		aborted, err := stagingRepo.AbortPendingUploads(context.Background(), cfg.StagingPrefix)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Aborted %d stale multipart uploads\n", aborted)
	},
}

func fatal(err error) {
	log.Error(err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress bars")
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(unpackCmd)
	rootCmd.AddCommand(cleanCmd)
}
