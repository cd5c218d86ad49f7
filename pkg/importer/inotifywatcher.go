//go:build linux

// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package importer

import (
	"context"
	"log/slog"
	"time"

	"github.com/pablodz/inotifywaitgo/inotifywaitgo"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"
)

// InotifyWatcher follows the inbox with inotifywait(1). Deletions and
// moves out of the inbox are deliberately not subscribed: a study that
// leaves the inbox must not be noted again.
type InotifyWatcher struct {
	tracker *Tracker
	log     *zerolog.Logger
}

// NewInotifyWatcher returns a watcher backed by inotify-tools.
func NewInotifyWatcher(tracker *Tracker, log *zerolog.Logger) (*InotifyWatcher, error) {
	return &InotifyWatcher{
		tracker: tracker,
		log:     log,
	}, nil
}

// Watch follows path recursively until the context is cancelled.
func (iw *InotifyWatcher) Watch(ctx context.Context, path string) {
	// create a slog logger to be passed to the settings of inotifywatcher to log into
	logger := slog.New(slogzerolog.Option{Level: slog.LevelDebug, Logger: iw.log}.NewZerologHandler())

	events := make(chan inotifywaitgo.FileEvent)
	errors := make(chan error)

	go inotifywaitgo.WatchPath(&inotifywaitgo.Settings{
		Dir:        path,
		FileEvents: events,
		ErrorChan:  errors,
		KillOthers: true,
		Options: &inotifywaitgo.Options{
			Recursive: true,
			Events: []inotifywaitgo.EVENT{
				inotifywaitgo.CREATE,
				inotifywaitgo.MOVED_TO,
				inotifywaitgo.MODIFY,
				inotifywaitgo.CLOSE_WRITE,
			},
			Monitor: true,
		},
		Verbose: false,
		Log:     logger,
	})

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-events:
			for _, e := range event.Events {
				switch e {
				case inotifywaitgo.CREATE,
					inotifywaitgo.MOVED_TO,
					inotifywaitgo.MODIFY,
					inotifywaitgo.CLOSE_WRITE:
					iw.tracker.NoteEvent(event.Filename, event.IsDir, time.Now())
				case inotifywaitgo.CLOSE:
					// ignore, already handled by CLOSE_WRITE
				default:
					iw.log.Warn().Interface("event", event).Msg("unhandled event")
				}
			}

		case err := <-errors:
			switch err.Error() {
			case inotifywaitgo.NOT_INSTALLED:
				panic("Error: inotifywait is not installed")
			case inotifywaitgo.INVALID_EVENT:
				// ignore
			default:
				iw.log.Error().Err(err).Msg("error watching inbox")
			}
		}
	}
}
