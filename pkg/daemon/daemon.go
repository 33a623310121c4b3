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

// Package daemon assembles and runs the translator. It owns process
// lifecycle: configuration, the tun interface and uplink sockets, the
// address monitor, signal handling, and the optional metrics server.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/webmeshproj/clatd/pkg/config"
	"github.com/webmeshproj/clatd/pkg/context"
	"github.com/webmeshproj/clatd/pkg/logging"
	"github.com/webmeshproj/clatd/pkg/metrics"
	"github.com/webmeshproj/clatd/pkg/tunnel"
	"github.com/webmeshproj/clatd/pkg/version"
)

// Run runs the translator with the given configuration until it is
// signaled to stop or a fatal dataplane error occurs.
func Run(ctx context.Context, conf *config.Config) error {
	log := logging.SetupLogging(conf.Global.LogLevel, conf.Global.LogFormat)
	ctx = context.WithLogger(ctx, log)
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}
	log.Info("Starting clatd",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("buildDate", version.BuildDate))

	prefix, err := conf.Tunnel.TranslationPrefix()
	if err != nil {
		return err
	}
	localV4, err := conf.Tunnel.LocalIPv4()
	if err != nil {
		return err
	}
	localV6, err := conf.Tunnel.LocalIPv6()
	if err != nil {
		return err
	}
	mtu := conf.Tunnel.MTU
	if mtu == 0 {
		mtu, err = tunnel.UplinkMTU(conf.Tunnel.Uplink)
		if err != nil {
			return err
		}
		log.Debug("Detected uplink MTU", slog.Int("mtu", mtu))
	}

	tun, err := tunnel.New(ctx, tunnel.Options{
		Name:            conf.Tunnel.Name,
		UplinkInterface: conf.Tunnel.Uplink,
		Prefix:          prefix,
		LocalV4:         localV4,
		LocalV6:         localV6,
		MTU:             mtu,
		DefaultRoute:    conf.Tunnel.DefaultRoute,
	})
	if err != nil {
		return fmt.Errorf("create tunnel: %w", err)
	}
	defer tun.Close()

	mon, err := tunnel.NewMonitor(ctx, tunnel.MonitorOptions{
		Interface: conf.Tunnel.Uplink,
		Seed:      localV6,
	})
	if err != nil {
		return fmt.Errorf("create address monitor: %w", err)
	}
	// Resolve the initial addressing state before traffic can flow. A
	// pinned source address lets us start with a down uplink.
	if _, err := mon.Poll(ctx, tun); err != nil {
		if !localV6.Is6() {
			return fmt.Errorf("resolve local IPv6 address: %w", err)
		}
		log.Warn("Could not resolve uplink addressing, using the configured source address",
			slog.String("error", err.Error()))
	}
	log.Info("Translator ready",
		slog.String("tun", tun.Name()),
		slog.String("local-v6", tun.Snapshot().LocalV6.String()))

	var running atomic.Bool
	running.Store(true)
	loop, err := tunnel.NewLoop(ctx, tun, mon, &running)
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// SIGINT and SIGTERM stop the loop. SIGUSR1 forces an out-of-cycle
	// address recheck. A canceled group context means another member
	// failed and the loop has to come down with it.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sig)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case s := <-sig:
				if s == syscall.SIGUSR1 {
					log.Info("Received SIGUSR1, rechecking uplink addressing")
					loop.RequestRecheck()
					continue
				}
				log.Info("Received shutdown signal", slog.String("signal", s.String()))
				running.Store(false)
				loop.Wake()
			case <-gctx.Done():
				running.Store(false)
				loop.Wake()
				return
			case <-done:
				return
			}
		}
	}()

	var metricsSrv *metrics.Server
	if conf.Metrics.Enabled {
		metricsSrv = metrics.New(ctx, metrics.Options{
			ListenAddress: conf.Metrics.ListenAddress,
			Path:          conf.Metrics.Path,
		})
		g.Go(metricsSrv.ListenAndServe)
	}
	g.Go(func() error {
		defer func() {
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(gctx); err != nil {
					log.Warn("Error shutting down metrics server", slog.String("error", err.Error()))
				}
			}
		}()
		return loop.Run(gctx)
	})
	return g.Wait()
}
