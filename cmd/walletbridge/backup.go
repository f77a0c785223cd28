package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/walletbridge/pkg/cloudbackup"
)

var restoreBackupCommand = &cli.Command{
	Name:    "restore-backup",
	Aliases: []string{"restore"},
	Usage:   "Wait for the newest cloud backup to download and verify it",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "directory",
			Usage: "Override the backup directory",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "Override the backup file prefix",
		},
	},
	Action: cmdRestoreBackup,
}

func cmdRestoreBackup(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	dir := cfg.Backup.Directory
	if ctx.IsSet("directory") {
		dir = ctx.String("directory")
	}
	prefix := cfg.Backup.Prefix
	if ctx.IsSet("prefix") {
		prefix = ctx.String("prefix")
	}

	query := cloudbackup.NewDirectoryQuery(dir, log)
	downloader := cloudbackup.ExecDownloader{Command: cfg.Backup.DownloadCommand}
	poller := cloudbackup.NewPoller(prefix, query, downloader, log, getMetrics(ctx))
	svc := cloudbackup.NewService(poller, log, getMetrics(ctx))

	restoreCtx := ctx.Context
	if cfg.Backup.Timeout > 0 {
		var cancel context.CancelFunc
		restoreCtx, cancel = context.WithTimeout(restoreCtx, cfg.Backup.Timeout)
		defer cancel()
	}
	match, err := svc.Restore(restoreCtx)
	if err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	fmt.Printf("Backup %s is ready at %s\n", match.Identifier, match.URL)
	return nil
}
