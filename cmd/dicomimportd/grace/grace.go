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

// Package grace owns the pid file and turns termination signals into an
// ordered shutdown of the daemon's servers.
package grace

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
)

// Watcher writes the pid file on startup, removes it on exit and stops
// the registered servers when a termination signal arrives.
type Watcher struct {
	log     zerolog.Logger
	pidFile string
	ss      []Server
}

// Option represent an option.
type Option func(w *Watcher)

// WithLogger adds a logger to the Watcher.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) {
		w.log = l
	}
}

// WithPIDFile specifies the pid file to use.
func WithPIDFile(fn string) Option {
	return func(w *Watcher) {
		w.pidFile = fn
	}
}

// NewWatcher creates a Watcher.
func NewWatcher(opts ...Option) *Watcher {
	w := &Watcher{
		log:     zerolog.Nop(),
		pidFile: path.Join(os.TempDir(), "dicomimportd.pid"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Server is anything the watcher has to stop on shutdown. Stop is the
// fast path used for SIGINT and SIGTERM, GracefulStop the patient one
// used for SIGQUIT. Neither aborts imports that already left the queue.
type Server interface {
	Stop() error
	GracefulStop() error
}

// Exit exits the current process cleaning up the pid file.
func (w *Watcher) Exit(errc int) {
	if err := w.clean(); err != nil {
		w.log.Warn().Err(err).Msg("error removing pid file")
	} else {
		w.log.Info().Msgf("pid file %q got removed", w.pidFile)
	}
	os.Exit(errc)
}

// clean removes the pid file, but only if it still holds our own pid. A
// foreign pid means another instance took over after a hard shutdown.
func (w *Watcher) clean() error {
	filePID, err := w.readPID()
	if err != nil {
		return err
	}

	if filePID != os.Getpid() {
		return fmt.Errorf("pid:%d in pidfile is different from pid:%d, leaving it alone", filePID, os.Getpid())
	}

	return os.Remove(w.pidFile)
}

func (w *Watcher) readPID() (int, error) {
	piddata, err := os.ReadFile(w.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(piddata))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// WritePID writes the pid to the configured pid file. It refuses to
// clobber the pid file of a living process; a stale file left behind by
// a crashed instance is overwritten.
func (w *Watcher) WritePID() error {
	if pid, err := w.readPID(); err == nil {
		if process, err := os.FindProcess(pid); err == nil {
			if err := process.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid already running: %d", pid)
			}
		}
		w.log.Warn().Msgf("overwriting stale pid file of pid:%d", pid)
	}

	if err := os.WriteFile(w.pidFile, []byte(strconv.Itoa(os.Getpid())), 0664); err != nil {
		return err
	}
	w.log.Info().Msgf("pidfile written to %s", w.pidFile)
	return nil
}

// TrapSignals blocks until a termination signal arrives and then stops
// the given servers in order, so the import intake is gone before the
// health endpoints disappear.
func (w *Watcher) TrapSignals(ss ...Server) {
	w.ss = ss

	signalCh := make(chan os.Signal, 1024)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for {
		s := <-signalCh
		w.log.Info().Msgf("%v signal received", s)

		switch s {
		case syscall.SIGQUIT:
			w.log.Info().Msg("preparing for a graceful shutdown, in-flight imports run to completion")
			w.stopServers(func(s Server) error { return s.GracefulStop() })
		default: // SIGINT, SIGTERM
			w.log.Info().Msg("preparing for shutdown, in-flight imports run to completion")
			w.stopServers(func(s Server) error { return s.Stop() })
		}
	}
}

func (w *Watcher) stopServers(stop func(Server) error) {
	for _, s := range w.ss {
		if err := stop(s); err != nil {
			w.log.Error().Err(err).Msg("error stopping server")
			w.Exit(1)
		}
	}
	w.log.Info().Msg("shutdown complete")
	w.Exit(0)
}
