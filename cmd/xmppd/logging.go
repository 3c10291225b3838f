// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// reopenableFile is a zapcore.WriteSyncer over a named file that can be
// closed and reopened in place, so every *zap.Logger built against it
// (the root logger and every extension's Context.Sub logger alike) picks
// up a log-rotation target without needing its own reference swapped.
// SIGHUP's "reopen the log sink" (spec.md §6 Signals) is exactly this.
type reopenableFile struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func newReopenableFile(path string) (*reopenableFile, error) {
	f := &reopenableFile{path: path}
	if err := f.Reopen(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reopen closes the current file handle, if any, and opens path anew,
// appending (or creating it, if it doesn't exist yet).
func (f *reopenableFile) Reopen() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	f.mu.Lock()
	old := f.file
	f.file = file
	f.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (f *reopenableFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	return file.Write(p)
}

func (f *reopenableFile) Sync() error {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	return file.Sync()
}

// buildLogger constructs the process's root zap.Logger. When logFile is
// empty, logs go to stderr and no reopener is returned, so SIGHUP only
// syncs the logger; when set, the returned reopener lets the SIGHUP handler
// recreate the underlying file (e.g. after an external logrotate move).
// The level is read once, here: SIGHUP does not re-read it.
func buildLogger(logFile, logLevel string) (*zap.Logger, *reopenableFile, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	if logFile == "" {
		core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
		return zap.New(core, zap.AddCaller()), nil, nil
	}

	reopener, err := newReopenableFile(logFile)
	if err != nil {
		return nil, nil, err
	}
	core := zapcore.NewCore(encoder, reopener, level)
	return zap.New(core, zap.AddCaller()), reopener, nil
}
