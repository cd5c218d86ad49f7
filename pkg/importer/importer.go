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

// Package importer turns study folders dropped into an inbox into STOW-RS
// uploads. A filesystem watcher and a periodic rescan feed a cooldown
// tracker; studies whose folders have been quiet long enough are handed to
// a bounded pool of import workers.
package importer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cs3org/dicom-importer/pkg/errtypes"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Watcher feeds filesystem activity below the inbox into the tracker.
type Watcher interface {
	Watch(ctx context.Context, path string)
}

// Config drives one importer instance.
type Config struct {
	InboxPath     string
	ProcessedPath string
	FailedPath    string
	Cooldown      time.Duration
	MaxConcurrent int
	WatcherType   string
	// Tick is the interval between cooldown checks. Zero means 5s.
	Tick time.Duration
}

// Importer watches the inbox and imports settled studies.
type Importer struct {
	c         Config
	log       *zerolog.Logger
	tracker   *Tracker
	processor *Processor
	watcher   Watcher
	queue     chan Study
	wg        sync.WaitGroup
}

// New builds an importer from the given configuration. The uploader is
// shared by all workers.
func New(c Config, uploader Uploader, log *zerolog.Logger) (*Importer, error) {
	if c.Tick == 0 {
		c.Tick = 5 * time.Second
	}

	tracker := NewTracker(c.InboxPath, c.Cooldown, log)

	var watcher Watcher
	var err error
	switch c.WatcherType {
	case "inotifywait":
		watcher, err = NewInotifyWatcher(tracker, log)
		if err != nil {
			return nil, err
		}
	case "fsnotify":
		watcher = NewFsnotifyWatcher(tracker, log)
	default:
		return nil, errtypes.NotSupported("watcher type " + c.WatcherType)
	}

	return &Importer{
		c:         c,
		log:       log,
		tracker:   tracker,
		processor: NewProcessor(c.ProcessedPath, c.FailedPath, uploader, log),
		watcher:   watcher,
		queue:     make(chan Study),
	}, nil
}

// Run watches the inbox until the context is cancelled. Studies already
// sitting in the inbox at startup are picked up by an initial rescan.
// Cancellation stops the intake first and then waits for in-flight
// imports to finish.
func (i *Importer) Run(ctx context.Context) error {
	for _, dir := range []string{i.c.InboxPath, i.c.ProcessedPath, i.c.FailedPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "error creating directory "+dir)
		}
	}

	for n := 0; n < i.c.MaxConcurrent; n++ {
		i.wg.Add(1)
		go i.work()
	}

	go i.watcher.Watch(ctx, i.c.InboxPath)

	i.log.Info().Str("inbox", i.c.InboxPath).Str("watcher", i.c.WatcherType).
		Dur("cooldown", i.c.Cooldown).Int("workers", i.c.MaxConcurrent).
		Msg("watching inbox for studies")

	i.tracker.Rescan(time.Now())

	ticker := time.NewTicker(i.c.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(i.queue)
			i.wg.Wait()
			i.log.Info().Msg("importer stopped")
			return nil
		case <-ticker.C:
			i.dispatch(ctx)
		}
	}
}

// dispatch hands every settled study to the worker pool, blocking while
// all workers are busy so the cooldown tracker stays the only queue.
func (i *Importer) dispatch(ctx context.Context) {
	for _, study := range i.tracker.Drain(time.Now()) {
		if _, err := os.Stat(study.Folder); err != nil {
			i.log.Debug().Str("folder", study.Folder).Msg("pending folder vanished before import")
			continue
		}
		select {
		case i.queue <- study:
		case <-ctx.Done():
			return
		}
	}
}

func (i *Importer) work() {
	defer i.wg.Done()
	// imports run on a fresh context so a shutdown never cuts off an
	// upload halfway through a study
	for study := range i.queue {
		i.processor.Process(context.Background(), study.Folder, study.ClinicID)
	}
}
