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

// Command dicomimportd watches tenant inboxes for DICOM study folders and
// imports them into a DICOMweb PACS. Configuration comes from the
// environment, optionally layered over a TOML file given with -c.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cs3org/dicom-importer/cmd/dicomimportd/grace"
	"github.com/cs3org/dicom-importer/pkg/auth/keycloak"
	"github.com/cs3org/dicom-importer/pkg/config"
	"github.com/cs3org/dicom-importer/pkg/importer"
	"github.com/cs3org/dicom-importer/pkg/logger"
	"github.com/cs3org/dicom-importer/pkg/rhttp"
	"github.com/cs3org/dicom-importer/pkg/stow"

	// Load the http services of this daemon.
	_ "github.com/cs3org/dicom-importer/internal/http/services/loader"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	testFlag    = flag.Bool("t", false, "test configuration and exit")
	configFlag  = flag.String("c", "", "set configuration file (TOML), the environment always applies")
	pidFlag     = flag.String("p", "", "pid file")

	// Compile time variables initialez with gcc flags.
	gitCommit, buildDate, version, goVersion, buildPlatform string
)

func main() {
	flag.Parse()

	handleVersionFlag()

	conf, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}
	handleTestFlag()

	log := newLogger(conf)
	log.Info().Str("inbox", conf.InboxPath).Str("orthanc_url", conf.OrthancURL).
		Msg("starting dicom importer")

	watcher, err := handlePIDFlag(log)
	if err != nil {
		log.Error().Err(err).Msg("error creating grace watcher")
		os.Exit(1)
	}

	httpServer, err := getHTTPServer(conf, log)
	if err != nil {
		log.Error().Err(err).Msg("error creating http server")
		watcher.Exit(1)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.MetricsPort))
	if err != nil {
		log.Error().Err(err).Msg("error listening on the metrics port")
		watcher.Exit(1)
	}

	go func() {
		if err := httpServer.Start(ln); err != nil {
			log.Error().Err(err).Msg("error starting the http server")
			watcher.Exit(1)
		}
	}()

	imp, err := getImporter(conf, log)
	if err != nil {
		log.Error().Err(err).Msg("error creating importer")
		watcher.Exit(1)
	}
	runner := runImporter(imp, watcher, log)

	// wait for signal to stop: intake first, http endpoints last
	watcher.TrapSignals(runner, httpServer)
}

func newLogger(conf *config.Config) *zerolog.Logger {
	l := logger.New(
		logger.WithLevel(conf.LogLevel),
		logger.WithWriter(os.Stdout, logger.Mode(conf.LogFormat)),
	)
	sub := l.With().Int("pid", os.Getpid()).Logger()
	return &sub
}

func handleVersionFlag() {
	if *versionFlag {
		msg := "version=%s "
		msg += "commit=%s "
		msg += "go_version=%s "
		msg += "build_date=%s "
		msg += "build_platform=%s\n"

		fmt.Fprintf(os.Stderr, msg, version, gitCommit, goVersion, buildDate, buildPlatform)
		os.Exit(1)
	}
}

func handleTestFlag() {
	if *testFlag {
		fmt.Fprintln(os.Stdout, "configuration OK")
		os.Exit(0)
	}
}

func handlePIDFlag(l *zerolog.Logger) (*grace.Watcher, error) {
	opts := []grace.Option{
		grace.WithLogger(l.With().Str("pkg", "grace").Logger()),
	}
	if *pidFlag != "" {
		opts = append(opts, grace.WithPIDFile(*pidFlag))
	}

	w := grace.NewWatcher(opts...)
	if err := w.WritePID(); err != nil {
		return nil, err
	}

	return w, nil
}

func getHTTPServer(conf *config.Config, l *zerolog.Logger) (*rhttp.Server, error) {
	svcs, err := rhttp.InitServices(map[string]map[string]interface{}{
		"healthchecks": {"orthanc_url": conf.OrthancURL},
		"prometheus":   {},
	}, l)
	if err != nil {
		return nil, errors.Wrap(err, "main: error initializing http services")
	}

	s, err := rhttp.New(
		rhttp.WithServices(svcs),
		rhttp.WithLogger(l.With().Str("pkg", "rhttp").Logger()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "main: error creating http server")
	}
	return s, nil
}

func getImporter(conf *config.Config, l *zerolog.Logger) (*importer.Importer, error) {
	tokens := keycloak.New(&keycloak.Config{
		URL:          conf.KeycloakURL,
		Realm:        conf.KeycloakRealm,
		ClientID:     conf.KeycloakClientID,
		ClientSecret: conf.KeycloakClientSecret,
	}, l)

	uploader := stow.New(&stow.Config{
		ServerURL:  conf.OrthancURL,
		MaxRetries: conf.MaxRetries,
		RetryDelay: conf.RetryDelay,
	}, tokens, l)

	imp, err := importer.New(importer.Config{
		InboxPath:     conf.InboxPath,
		ProcessedPath: conf.ProcessedPath,
		FailedPath:    conf.FailedPath,
		Cooldown:      conf.Cooldown(),
		MaxConcurrent: conf.MaxConcurrent,
		WatcherType:   conf.Watcher,
	}, uploader, l)
	if err != nil {
		return nil, errors.Wrap(err, "main: error creating importer")
	}
	return imp, nil
}

// importerRunner adapts the importer's context driven lifecycle to the
// stop interface the grace watcher expects.
type importerRunner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func runImporter(imp *importer.Importer, watcher *grace.Watcher, log *zerolog.Logger) *importerRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &importerRunner{cancel: cancel, done: make(chan struct{})}

	go func() {
		if err := imp.Run(ctx); err != nil {
			log.Error().Err(err).Msg("error running the importer")
			watcher.Exit(1)
		}
		close(r.done)
	}()

	return r
}

// Stop ends the intake and waits for the studies already handed to the
// worker pool. Uploads are never cancelled halfway through a study.
func (r *importerRunner) Stop() error {
	r.cancel()
	<-r.done
	return nil
}

// GracefulStop is the same as Stop: the importer always drains its pool.
func (r *importerRunner) GracefulStop() error {
	return r.Stop()
}
