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

// Command clatd runs a client-side stateless IPv4 to IPv6 translator.
// It carries IPv4-only traffic across an IPv6-only uplink by mapping
// each IPv4 packet onto a provider NAT64 prefix.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/webmeshproj/clatd/pkg/config"
	"github.com/webmeshproj/clatd/pkg/daemon"
	"github.com/webmeshproj/clatd/pkg/version"
)

func main() {
	flagset := pflag.NewFlagSet("clatd", pflag.ContinueOnError)
	versionFlag := flagset.Bool("version", false, "Print version information and exit")
	versionJSONFlag := flagset.Bool("json", false, "Print version information in JSON format")
	configFlags := flagset.StringSlice("config", nil, "Path(s) to configuration file(s)")
	printConfig := flagset.Bool("print-config", false, "Print the configuration and exit")
	conf := config.NewDefaultConfig().BindFlags("", flagset)
	err := flagset.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error parsing flags:", err)
		os.Exit(1)
	}
	version := version.GetBuildInfo()
	if *versionFlag || len(os.Args) > 1 && os.Args[1] == "version" {
		if *versionJSONFlag {
			fmt.Println(version.PrettyJSON("clatd"))
			return
		}
		fmt.Println("CLAT Daemon")
		fmt.Println("    Version:    ", version.Version)
		fmt.Println("    Git Commit: ", version.GitCommit)
		fmt.Println("    Build Date: ", version.BuildDate)
		return
	}
	err = conf.LoadFrom(flagset, *configFlags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading configuration:", err)
		os.Exit(1)
	}
	if *printConfig {
		out, err := conf.MarshalJSON()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error marshaling configuration:", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}
	if err := daemon.Run(context.Background(), conf); err != nil {
		fmt.Fprintf(os.Stderr, "Error running clatd: %v\n", err)
		os.Exit(1)
	}
}
