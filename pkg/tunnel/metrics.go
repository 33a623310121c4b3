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

package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TranslatedPackets tracks packets successfully translated and
	// forwarded, by direction.
	TranslatedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clatd",
		Name:      "translated_packets_total",
		Help:      "Total packets translated and forwarded.",
	}, []string{"direction"})

	// DroppedPackets tracks packets discarded without translation.
	DroppedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clatd",
		Name:      "dropped_packets_total",
		Help:      "Total packets dropped.",
	}, []string{"direction", "reason"})

	// ICMPReplies tracks synthesized ICMP errors returned toward the
	// original sender.
	ICMPReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clatd",
		Name:      "icmp_replies_total",
		Help:      "Total synthesized ICMP error replies.",
	}, []string{"direction"})

	// AddressChanges tracks uplink address changes observed by the
	// monitor.
	AddressChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clatd",
		Name:      "address_changes_total",
		Help:      "Total uplink address changes applied.",
	})

	// PollInterval reports the current adaptive poll interval.
	PollInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clatd",
		Name:      "poll_interval_seconds",
		Help:      "Current adaptive interface poll interval.",
	})
)

const (
	directionToUplink = "v4-to-v6"
	directionToTun    = "v6-to-v4"
)
