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

// Package config contains configuration parsing for the clatd command.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/spf13/pflag"

	"github.com/webmeshproj/clatd/pkg/translate"
)

// DefaultPrefix is the well-known NAT64 translation prefix used when no
// other is configured or discovered.
const DefaultPrefix = "64:ff9b::/96"

// DefaultIPv4Address is the default local IPv4 address assigned to the
// translation interface.
const DefaultIPv4Address = "192.0.0.4"

// Config are the configuration options for running the translator.
type Config struct {
	// Global are global options that apply to the whole process.
	Global GlobalOptions `koanf:"global,omitempty"`
	// Tunnel are the translation interface and addressing options.
	Tunnel TunnelOptions `koanf:"tunnel,omitempty"`
	// Metrics are the metrics server options.
	Metrics MetricsOptions `koanf:"metrics,omitempty"`
}

// GlobalOptions are options that apply to the whole process.
type GlobalOptions struct {
	// LogLevel is the log level.
	LogLevel string `koanf:"log-level,omitempty"`
	// LogFormat is the log format. One of "text" or "json".
	LogFormat string `koanf:"log-format,omitempty"`
}

// TunnelOptions are the translation interface and addressing options.
type TunnelOptions struct {
	// Name is the name of the translation interface to create.
	Name string `koanf:"name,omitempty"`
	// Uplink is the name of the IPv6 uplink interface.
	Uplink string `koanf:"uplink,omitempty"`
	// Prefix is the IPv6 translation prefix. It must have a length
	// of 96 bits. A bare address is treated as a /96.
	Prefix string `koanf:"prefix,omitempty"`
	// IPv4Address is the local IPv4 address assigned to the
	// translation interface.
	IPv4Address string `koanf:"ipv4-address,omitempty"`
	// IPv6Address is the local IPv6 source address. If empty, an
	// address is derived from the uplink interface.
	IPv6Address string `koanf:"ipv6-address,omitempty"`
	// MTU is the uplink MTU. Zero means detect it from the uplink
	// interface.
	MTU int `koanf:"mtu,omitempty"`
	// DefaultRoute is true if an IPv4 default route should be
	// installed over the translation interface.
	DefaultRoute bool `koanf:"default-route,omitempty"`
}

// MetricsOptions are the metrics server options.
type MetricsOptions struct {
	// Enabled is true if the metrics server should be started.
	Enabled bool `koanf:"enabled,omitempty"`
	// ListenAddress is the address to serve metrics on.
	ListenAddress string `koanf:"listen-address,omitempty"`
	// Path is the HTTP path to serve metrics on.
	Path string `koanf:"path,omitempty"`
}

// NewDefaultConfig returns a new configuration with application defaults
// applied.
func NewDefaultConfig() *Config {
	return &Config{
		Global: GlobalOptions{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Tunnel: TunnelOptions{
			Name:         "clat",
			Prefix:       DefaultPrefix,
			IPv4Address:  DefaultIPv4Address,
			DefaultRoute: true,
		},
		Metrics: MetricsOptions{
			ListenAddress: ":8080",
			Path:          "/metrics",
		},
	}
}

// BindFlags binds the flags. The configuration is returned for convenience.
func (c *Config) BindFlags(prefix string, fs *pflag.FlagSet) *Config {
	c.Global.BindFlags(prefix, fs)
	c.Tunnel.BindFlags(prefix, fs)
	c.Metrics.BindFlags(prefix, fs)
	return c
}

func (o *GlobalOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.LogLevel, prefix+"global.log-level", "info", "Log level.")
	fs.StringVar(&o.LogFormat, prefix+"global.log-format", "text", "Log format. One of 'text' or 'json'.")
}

func (o *TunnelOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, prefix+"tunnel.name", "clat", "Name of the translation interface to create.")
	fs.StringVar(&o.Uplink, prefix+"tunnel.uplink", "", "Name of the IPv6 uplink interface.")
	fs.StringVar(&o.Prefix, prefix+"tunnel.prefix", DefaultPrefix, "IPv6 translation prefix.")
	fs.StringVar(&o.IPv4Address, prefix+"tunnel.ipv4-address", DefaultIPv4Address, "Local IPv4 address for the translation interface.")
	fs.StringVar(&o.IPv6Address, prefix+"tunnel.ipv6-address", "", "Local IPv6 source address. Derived from the uplink if empty.")
	fs.IntVar(&o.MTU, prefix+"tunnel.mtu", 0, "Uplink MTU. Zero means detect it from the uplink interface.")
	fs.BoolVar(&o.DefaultRoute, prefix+"tunnel.default-route", true, "Install an IPv4 default route over the translation interface.")
}

func (o *MetricsOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.BoolVar(&o.Enabled, prefix+"metrics.enabled", false, "Enable the metrics server.")
	fs.StringVar(&o.ListenAddress, prefix+"metrics.listen-address", ":8080", "Address to serve metrics on.")
	fs.StringVar(&o.Path, prefix+"metrics.path", "/metrics", "HTTP path to serve metrics on.")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	err := c.Tunnel.Validate()
	if err != nil {
		return fmt.Errorf("invalid tunnel options: %w", err)
	}
	err = c.Metrics.Validate()
	if err != nil {
		return fmt.Errorf("invalid metrics options: %w", err)
	}
	return nil
}

// Validate validates the tunnel options.
func (o *TunnelOptions) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("no interface name set")
	}
	if o.Uplink == "" {
		return fmt.Errorf("no uplink interface set")
	}
	if _, err := o.TranslationPrefix(); err != nil {
		return err
	}
	if _, err := o.LocalIPv4(); err != nil {
		return err
	}
	if o.IPv6Address != "" {
		if _, err := o.LocalIPv6(); err != nil {
			return err
		}
	}
	if o.MTU != 0 && (o.MTU < translate.MinV6MTU || o.MTU > translate.MaxMTU) {
		return fmt.Errorf("mtu %d out of range [%d, %d]", o.MTU, translate.MinV6MTU, translate.MaxMTU)
	}
	return nil
}

// Validate validates the metrics options.
func (o *MetricsOptions) Validate() error {
	if o.Enabled && o.ListenAddress == "" {
		return fmt.Errorf("metrics enabled with no listen address")
	}
	return nil
}

// TranslationPrefix parses the configured translation prefix. The prefix
// must be 96 bits long.
func (o *TunnelOptions) TranslationPrefix() (netip.Prefix, error) {
	addrstr, bits := o.Prefix, int64(96)
	if idx := strings.LastIndexByte(o.Prefix, '/'); idx >= 0 {
		var err error
		addrstr = o.Prefix[:idx]
		bits, err = ParseInt(o.Prefix[idx+1:], 8)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix length in %q: %w", o.Prefix, err)
		}
	}
	addr, err := netip.ParseAddr(addrstr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid translation prefix: %w", err)
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Prefix{}, fmt.Errorf("translation prefix %q is not an IPv6 address", o.Prefix)
	}
	if bits != 96 {
		return netip.Prefix{}, fmt.Errorf("translation prefix %q is not a /96", o.Prefix)
	}
	return netip.PrefixFrom(addr, 96).Masked(), nil
}

// LocalIPv4 parses the configured local IPv4 address.
func (o *TunnelOptions) LocalIPv4() (netip.Addr, error) {
	addr, err := netip.ParseAddr(o.IPv4Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid local IPv4 address: %w", err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("local address %q is not an IPv4 address", o.IPv4Address)
	}
	return addr, nil
}

// LocalIPv6 parses the configured local IPv6 address. It returns the zero
// Addr if none is configured.
func (o *TunnelOptions) LocalIPv6() (netip.Addr, error) {
	if o.IPv6Address == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(o.IPv6Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid local IPv6 address: %w", err)
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, fmt.Errorf("local address %q is not an IPv6 address", o.IPv6Address)
	}
	return addr, nil
}
