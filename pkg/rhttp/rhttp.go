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

// Package rhttp runs the sidecar http server. Every endpoint the daemon
// exposes is a global.Service mounted below its prefix.
package rhttp

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cs3org/dicom-importer/pkg/errtypes"
	"github.com/cs3org/dicom-importer/pkg/rhttp/global"
)

// Config configures the server.
type Config func(*Server)

// WithServices sets the services to run.
func WithServices(services map[string]global.Service) Config {
	return func(s *Server) {
		s.Services = services
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Config {
	return func(s *Server) {
		s.log = log
	}
}

// InitServices instantiates the registered http services with their raw
// configuration.
func InitServices(conf map[string]map[string]interface{}, log *zerolog.Logger) (map[string]global.Service, error) {
	s := make(map[string]global.Service)
	for name, cfg := range conf {
		new, ok := global.Services[name]
		if !ok {
			return nil, errtypes.NotFound("http service " + name)
		}
		log := log.With().Str("service", name).Logger()
		svc, err := new(cfg, &log)
		if err != nil {
			return nil, errors.Wrapf(err, "http service %s could not be started", name)
		}
		s[name] = svc
	}
	return s, nil
}

// New returns a new server.
func New(c ...Config) (*Server, error) {
	s := &Server{
		log:        zerolog.Nop(),
		httpServer: &http.Server{},
		svcs:       map[string]global.Service{},
	}
	for _, cc := range c {
		cc(s)
	}
	s.registerServices()
	return s, nil
}

// Server contains the server info.
type Server struct {
	Services map[string]global.Service // map key is service name

	httpServer *http.Server
	listener   net.Listener
	svcs       map[string]global.Service // map key is svc Prefix
	log        zerolog.Logger
}

// Start starts the server.
func (s *Server) Start(ln net.Listener) error {
	s.httpServer.Handler = s.getHandler()
	s.listener = ln

	s.log.Info().Msgf("http server listening at http://%s", s.listener.Addr())
	err := s.httpServer.Serve(s.listener)
	if err == nil || err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the server, giving in-flight requests one second to finish.
func (s *Server) Stop() error {
	s.closeServices()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) closeServices() {
	for _, svc := range s.svcs {
		if err := svc.Close(); err != nil {
			s.log.Error().Err(err).Msgf("error closing service %q", svc.Prefix())
		} else {
			s.log.Info().Msgf("service %q correctly closed", svc.Prefix())
		}
	}
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() error {
	s.closeServices()
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) registerServices() {
	for name, svc := range s.Services {
		s.svcs[svc.Prefix()] = svc
		s.log.Info().Msgf("http service enabled: %s@/%s", name, svc.Prefix())
	}
}

func (s *Server) getHandler() http.Handler {
	mux := chi.NewRouter()
	for prefix, svc := range s.svcs {
		mux.Mount("/"+prefix, svc.Handler())
	}
	return mux
}
