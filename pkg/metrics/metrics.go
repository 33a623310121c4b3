/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics contains the HTTP server for exposing Prometheus metrics.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webmeshproj/clatd/pkg/context"
)

// DefaultListenAddress is the default listen address for the metrics server.
const DefaultListenAddress = "[::]:8080"

// DefaultPath is the default path to expose metrics on.
const DefaultPath = "/metrics"

// Options contains the configuration for exposing metrics.
type Options struct {
	// ListenAddress is the address to start the metrics server on.
	ListenAddress string
	// Path is the path to expose metrics on.
	Path string
}

// Server is the metrics server.
type Server struct {
	Options
	srv *http.Server
	log *slog.Logger
}

// New returns a new metrics server. The underlying HTTP server is
// built here so Shutdown can always observe it, no matter which
// goroutine runs ListenAndServe.
func New(ctx context.Context, o Options) *Server {
	if o.ListenAddress == "" {
		o.ListenAddress = DefaultListenAddress
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	return &Server{
		Options: o,
		srv: &http.Server{
			Addr: o.ListenAddress,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == o.Path {
					promhttp.Handler().ServeHTTP(w, r)
				} else {
					http.NotFound(w, r)
				}
			}),
		},
		log: context.LoggerFrom(ctx),
	}
}

// ListenAndServe starts the server and blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.log.Info("Starting Prometheus metrics server", slog.String("listen_address", s.ListenAddress), slog.String("path", s.Path))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown attempts to stop the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	context.LoggerFrom(ctx).Info("Shutting down Prometheus metrics server")
	return s.srv.Shutdown(ctx)
}
