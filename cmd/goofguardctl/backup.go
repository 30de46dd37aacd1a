package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/glutchdiscord-alt/goofguard/internal/backup"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage backup archives",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Write an archive of every stored domain now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Backup.Dir
		}
		scheduler := backup.New(backup.Config{Dir: dir, Keep: cfg.Backup.Keep}, store, logger)

		skipS3, _ := cmd.Flags().GetBool("no-s3")
		if cfg.Backup.S3.Bucket != "" && !skipS3 {
			dest, err := backup.NewS3Destination(ctx, cfg.Backup.S3.Bucket, cfg.Backup.S3.Prefix, cfg.Backup.S3.Region, cfg.Backup.S3.Endpoint)
			if err != nil {
				return fmt.Errorf("configuring s3: %w", err)
			}
			scheduler.AddDestination(dest)
		}

		archive, err := scheduler.Snapshot(ctx, "cli")
		if err != nil {
			return fmt.Errorf("writing archive: %w", err)
		}
		if jsonOutput {
			data, err := json.MarshalIndent(archive.Manifest, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Archive: %s\n", archive.Path)
		fmt.Printf("Backend: %s\n", archive.Manifest.Backend)
		fmt.Printf("Domains: %s\n", strings.Join(archive.Manifest.Domains, ", "))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives in the backup directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Backup.Dir
		}
		archives, err := backup.New(backup.Config{Dir: dir}, store, logger).Archives()
		if err != nil {
			return fmt.Errorf("listing archives: %w", err)
		}
		for _, path := range archives {
			fmt.Println(path)
		}
		return nil
	},
}

func init() {
	backupCmd.PersistentFlags().String("dir", "", "archive directory (default from config)")
	backupRunCmd.Flags().Bool("no-s3", false, "skip the S3 copy even when a bucket is configured")

	backupCmd.AddCommand(backupRunCmd)
	backupCmd.AddCommand(backupListCmd)
}
