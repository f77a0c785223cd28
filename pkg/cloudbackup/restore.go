// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package cloudbackup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/lrhodin/walletbridge/pkg/metrics"
)

var ErrNotArchive = errors.New("backup is not a zip archive")

// ExecDownloader requests downloads by running an external command with the
// item path appended, "brctl download <path>" by default.
type ExecDownloader struct {
	Command []string
}

func (d ExecDownloader) StartDownloading(ctx context.Context, url string) error {
	command := d.Command
	if len(command) == 0 {
		command = []string{"brctl", "download"}
	}
	args := append(append([]string(nil), command[1:]...), url)
	cmd := exec.CommandContext(ctx, command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", command[0], err, msg)
		}
		return fmt.Errorf("%s: %w", command[0], err)
	}
	return nil
}

// VerifyArchive checks that the file at path is a zip archive.
func VerifyArchive(path string) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if !mt.Is("application/zip") {
		return fmt.Errorf("%w: detected %s", ErrNotArchive, mt.String())
	}
	return nil
}

// Service restores the newest cloud backup.
type Service struct {
	poller  *Poller
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewService(poller *Poller, log zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		poller:  poller,
		log:     log.With().Str("component", "backup_restore").Logger(),
		metrics: m,
	}
}

// Restore waits for the newest matching backup to be downloaded and checks
// that it is an archive.
func (s *Service) Restore(ctx context.Context) (match Match, err error) {
	defer func() {
		s.metrics.RestoreFinished(err)
	}()
	match, err = s.poller.Download(ctx)
	if err != nil {
		return match, err
	}
	if err = VerifyArchive(match.URL); err != nil {
		return match, err
	}
	s.log.Info().Str("backup", match.Identifier).Msg("Backup ready to restore")
	return match, nil
}
