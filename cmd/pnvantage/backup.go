package main

import (
	"fmt"
	"time"

	"github.com/HerbHall/pnvantage/internal/backup"
	"github.com/HerbHall/pnvantage/internal/store"
	"github.com/spf13/cobra"
)

var (
	backupOutput string
	restoreInput string
	restoreDir   string
	restoreForce bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive the device registry and configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if backupOutput == "" {
			backupOutput = fmt.Sprintf("pnvantage-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
		}
		db, err := store.New(cfg.GetString("store.path"))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := backup.Archive(cmd.Context(), db, configPath, backupOutput); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Backup created: %s\n", backupOutput)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup archive into a directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		files, err := backup.Restore(cmd.Context(), restoreInput, restoreDir, restoreForce)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %v to %s\n", files, restoreDir)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "output file (default pnvantage-backup-{timestamp}.tar.gz)")

	f := restoreCmd.Flags()
	f.StringVar(&restoreInput, "input", "", "backup archive to restore")
	f.StringVar(&restoreDir, "data-dir", ".", "target directory for restored files")
	f.BoolVar(&restoreForce, "force", false, "overwrite existing files")
	_ = restoreCmd.MarkFlagRequired("input")
}
