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
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FsnotifyWatcher follows the inbox with in-process watches. fsnotify
// watches single directories only, so directories are added as they
// appear; a folder moved into the inbox arrives as one create event and
// its contents are picked up by a walk.
type FsnotifyWatcher struct {
	tracker *Tracker
	log     *zerolog.Logger
}

// NewFsnotifyWatcher returns a watcher that works on every platform and
// needs no external tooling.
func NewFsnotifyWatcher(tracker *Tracker, log *zerolog.Logger) *FsnotifyWatcher {
	return &FsnotifyWatcher{
		tracker: tracker,
		log:     log,
	}
}

// Watch follows path recursively until the context is cancelled.
func (fw *FsnotifyWatcher) Watch(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fw.log.Error().Err(err).Msg("error creating watcher")
		return
	}
	defer watcher.Close()

	if err := fw.addTree(watcher, path, false); err != nil {
		fw.log.Error().Err(err).Str("path", path).Msg("error watching inbox")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			fw.handle(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("error watching inbox")
		}
	}
}

func (fw *FsnotifyWatcher) handle(watcher *fsnotify.Watcher, event fsnotify.Event) {
	now := time.Now()
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		info, err := os.Stat(event.Name)
		if err != nil {
			// gone again before we got to it
			return
		}
		if info.IsDir() {
			if err := fw.addTree(watcher, event.Name, true); err != nil {
				fw.log.Error().Err(err).Str("path", event.Name).Msg("error watching new folder")
			}
			fw.tracker.NoteEvent(event.Name, true, now)
			return
		}
		fw.tracker.NoteEvent(event.Name, false, now)

	case event.Op&fsnotify.Write == fsnotify.Write:
		fw.tracker.NoteEvent(event.Name, false, now)
	}
}

// addTree adds watches for dir and every directory below it. With note set
// the files found on the way are noted as well, so that a fully populated
// folder moved into the inbox does not lose its contents.
func (fw *FsnotifyWatcher) addTree(watcher *fsnotify.Watcher, dir string, note bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		if note {
			fw.tracker.NoteEvent(path, false, time.Now())
		}
		return nil
	})
}
