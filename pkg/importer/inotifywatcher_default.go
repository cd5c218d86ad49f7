//go:build !linux

// Copyright 2025 OpenCloud GmbH <mail@opencloud.eu>
// SPDX-License-Identifier: Apache-2.0

package importer

import (
	"context"

	"github.com/cs3org/dicom-importer/pkg/errtypes"
	"github.com/rs/zerolog"
)

// NullWatcher is a dummy watcher that does nothing
type NullWatcher struct{}

// Watch does nothing
func (*NullWatcher) Watch(ctx context.Context, path string) {}

// NewInotifyWatcher returns a new inotify watcher
func NewInotifyWatcher(_ *Tracker, _ *zerolog.Logger) (*NullWatcher, error) {
	return nil, errtypes.NotSupported("inotify watcher is not supported on this platform")
}
