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

// Package httpclient builds the http clients the daemon talks to its
// collaborators with. Every upstream gets its own client with its own
// timeout: the Keycloak exchange, the STOW-RS upload and the health
// probe live in different latency envelopes.
package httpclient

import (
	"errors"
	"net/http"
	"time"
)

// New returns a client configured with the given options.
func New(opts ...Option) *Client {
	options := newOptions(opts...)

	return &Client{c: &http.Client{
		Timeout:   options.Timeout,
		Transport: options.RoundTripper,
	}}
}

// Option defines a single option function.
type Option func(o *Options)

// Options defines the available options for this package.
type Options struct {
	Timeout      time.Duration
	RoundTripper http.RoundTripper
}

// newOptions initializes the available default options.
func newOptions(opts ...Option) Options {
	opt := Options{}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// Timeout bounds one whole request including the body transfer.
func Timeout(t time.Duration) Option {
	return func(o *Options) {
		o.Timeout = t
	}
}

// RoundTripper provides a function to set a custom RoundTripper.
func RoundTripper(rt http.RoundTripper) Option {
	return func(o *Options) {
		o.RoundTripper = rt
	}
}

// Client wraps a http.Client but only exposes the Do method
// to force consumers to always create a request with http.NewRequestWithContext()
type Client struct {
	c *http.Client
}

// Do sends the request.
func (c *Client) Do(r *http.Request) (*http.Response, error) {
	// bail out early if context is not set
	if r.Context() == nil {
		return nil, errors.New("error: request must have a context")
	}
	return c.c.Do(r)
}

// GetNativeHTTP returns the underlying http.Client for libraries that
// insist on owning the transport, like oauth2.
func (c *Client) GetNativeHTTP() *http.Client {
	return c.c
}
