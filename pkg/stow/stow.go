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

// Package stow posts DICOM instances to a DICOMweb STOW-RS endpoint.
package stow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cs3org/dicom-importer/pkg/httpclient"
)

// maxReasonBytes bounds how much of an upstream error body ends up in
// the failure reason.
const maxReasonBytes = 500

// requestTimeout covers one STOW-RS attempt including the body transfer.
const requestTimeout = 120 * time.Second

// TokenSource yields bearer tokens for outgoing requests. The boolean is
// false when the request should go out without an Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

// Config holds the upload target and retry policy.
type Config struct {
	ServerURL  string
	MaxRetries int
	RetryDelay time.Duration
}

// Client uploads instances to {server}/dicom-web/studies. One client is
// shared by all workers; the underlying transport pools connections.
type Client struct {
	c      *Config
	ts     TokenSource
	log    *zerolog.Logger
	client *httpclient.Client
	url    string
}

// New returns a STOW-RS client for the given server.
func New(c *Config, ts TokenSource, log *zerolog.Logger) *Client {
	sub := log.With().Str("pkg", "stow").Logger()
	return &Client{
		c:      c,
		ts:     ts,
		log:    &sub,
		client: httpclient.New(httpclient.Timeout(requestTimeout)),
		url:    strings.TrimRight(c.ServerURL, "/") + "/dicom-web/studies",
	}
}

// Store uploads one instance. Statuses 429, 500, 502, 503 and 504 and
// transport errors are retried with exponential backoff up to MaxRetries;
// every other non 2xx status fails immediately. Success is 200 or 202.
func (c *Client) Store(ctx context.Context, filename string, data []byte) error {
	boundary := uuid.New().String()
	body, err := encodeBody(boundary, filename, data)
	if err != nil {
		return errors.Wrap(err, "stow: error encoding multipart body")
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "stow: error creating request"))
		}
		req.Header.Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, boundary))
		req.Header.Set("Accept", "application/dicom+json")
		if tok, ok := c.ts.Token(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		res, err := c.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "stow: error sending request")
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusOK || res.StatusCode == http.StatusAccepted {
			_, _ = io.Copy(io.Discard, res.Body)
			return nil
		}

		ferr := fmt.Errorf("STOW-RS failed: %d - %s", res.StatusCode, readReason(res.Body))
		if retryable(res.StatusCode) {
			return ferr
		}
		return backoff.Permanent(ferr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.c.RetryDelay

	notify := func(err error, next time.Duration) {
		c.log.Warn().Err(err).Str("file", filename).Dur("next_attempt_in", next).Msg("retrying upload")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.c.MaxRetries)), ctx), notify); err != nil {
		return err
	}

	c.log.Debug().Str("file", filename).Int("bytes", len(data)).Msg("instance uploaded")
	return nil
}

// encodeBody builds the single part multipart/related envelope.
func encodeBody(boundary, filename string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, err
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/dicom")
	h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// retryable reports whether the upstream status is worth another attempt.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func readReason(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxReasonBytes))
	return string(b)
}
