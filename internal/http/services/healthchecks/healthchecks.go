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

// Package healthchecks answers liveness and readiness probes. /ready only
// says the daemon is up; /health additionally probes the PACS and turns
// degraded when it cannot be reached.
package healthchecks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/cs3org/dicom-importer/pkg/httpclient"
	"github.com/cs3org/dicom-importer/pkg/rhttp/global"
)

// probeTimeout bounds one PACS probe.
const probeTimeout = 5 * time.Second

func init() {
	global.Register("healthchecks", New)
}

type config struct {
	Prefix     string `mapstructure:"prefix"`
	OrthancURL string `mapstructure:"orthanc_url"`
}

// New returns a new healthchecks service. An empty prefix mounts the
// endpoints at the server root.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, err
	}

	s := &svc{
		prefix:  conf.Prefix,
		orthanc: strings.TrimRight(conf.OrthancURL, "/"),
		client:  httpclient.New(httpclient.Timeout(probeTimeout)),
		log:     log,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	s.router = r

	return s, nil
}

type svc struct {
	prefix  string
	orthanc string
	client  *httpclient.Client
	router  *chi.Mux
	log     *zerolog.Logger
}

func (s *svc) Prefix() string {
	return s.prefix
}

func (s *svc) Handler() http.Handler {
	return s.router
}

func (s *svc) Close() error {
	return nil
}

type healthStatus struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Checks    map[string]bool `json:"checks"`
}

func (s *svc) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok := s.probeOrthanc(r.Context())

	status := healthStatus{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    map[string]bool{"orthanc": ok},
	}
	code := http.StatusOK
	if !ok {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, status)
}

func (s *svc) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// probeOrthanc asks the PACS for its system info. The probe runs without
// credentials, so a PACS that rejects anonymous requests reports as down.
func (s *svc) probeOrthanc(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.orthanc+"/system", nil)
	if err != nil {
		return false
	}

	res, err := s.client.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Msg("orthanc probe failed")
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	return res.StatusCode == http.StatusOK
}

func (s *svc) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("error writing response")
	}
}
