// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lrhodin/walletbridge/pkg/config"
)

// Setup builds the process logger: human readable output on console and,
// when a file is configured, JSON lines into a rotated log file. The
// returned logger also replaces the zerolog global logger. closer flushes and
// closes the file.
func Setup(cfg config.LoggingConfig, console io.Writer) (logger zerolog.Logger, closer func() error, err error) {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.StampMilli}}
	closer = func() error { return nil }

	if cfg.File != "" {
		var fileWriter io.WriteCloser
		fileWriter, err = openRotated(cfg)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		writers = append(writers, fileWriter)
		closer = fileWriter.Close
	}

	logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.ParsedLevel()).
		With().Timestamp().Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger, closer, nil
}

type rotatedWriter struct {
	pipe *io.PipeWriter
	done chan error
	rot  *rotator.Rotator
}

func openRotated(cfg config.LoggingConfig) (*rotatedWriter, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	maxSize := cfg.MaxSizeKB
	if maxSize <= 0 {
		maxSize = 10 * 1024
	}
	maxRolls := cfg.MaxRolls
	if maxRolls <= 0 {
		maxRolls = 3
	}
	rot, err := rotator.New(cfg.File, maxSize, cfg.Compress, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("failed to create log rotator: %w", err)
	}
	pr, pw := io.Pipe()
	w := &rotatedWriter{pipe: pw, done: make(chan error, 1), rot: rot}
	go func() {
		w.done <- rot.Run(pr)
	}()
	return w, nil
}

func (w *rotatedWriter) Write(p []byte) (int, error) {
	return w.pipe.Write(p)
}

func (w *rotatedWriter) Close() error {
	err := w.pipe.Close()
	runErr := <-w.done
	if errors.Is(runErr, io.EOF) {
		runErr = nil
	}
	closeErr := w.rot.Close()
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}
	return errors.Join(err, runErr, closeErr)
}
