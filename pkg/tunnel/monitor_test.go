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
	"errors"
	"net/netip"
	"testing"

	"github.com/webmeshproj/clatd/pkg/context"
	"github.com/webmeshproj/clatd/pkg/logging"
	"github.com/webmeshproj/clatd/pkg/translate"
)

type fakeAddrs struct {
	prefix netip.Prefix
	err    error
	calls  int
}

func (f *fakeAddrs) GlobalUnicast(string) (netip.Prefix, error) {
	f.calls++
	return f.prefix, f.err
}

func testContext() context.Context {
	return context.WithLogger(context.Background(), logging.NewLogger("", ""))
}

func testTunnel(snap *translate.Snapshot) *Tunnel {
	t := &Tunnel{tunFd: -1, uplinkFd: -1, rawFd: -1}
	t.snap.Store(snap)
	return t
}

func testMonitorSnapshot(localV6 netip.Addr) *translate.Snapshot {
	return &translate.Snapshot{
		Prefix:  netip.MustParsePrefix("64:ff9b::/96"),
		LocalV4: netip.MustParseAddr("192.0.2.1"),
		LocalV6: localV6,
		MTU:     1500,
	}
}

func TestMonitorPollUnchanged(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	seed := netip.MustParseAddr("2001:db8::aaaa:bbbb:cccc:dddd")
	mon, err := NewMonitor(ctx, MonitorOptions{
		Interface: "eth0",
		Seed:      seed,
		Addrs:     &fakeAddrs{prefix: netip.MustParsePrefix("2001:db8::/64")},
	})
	if err != nil {
		t.Fatal(err)
	}
	tun := testTunnel(testMonitorSnapshot(seed))
	before := tun.Snapshot()
	changed, err := mon.Poll(ctx, tun)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("unchanged addressing reported as changed")
	}
	if tun.Snapshot() != before {
		t.Error("snapshot replaced without an address change")
	}
}

func TestMonitorPollChange(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	seed := netip.MustParseAddr("2001:db8::aaaa:bbbb:cccc:dddd")
	var gotCallback *translate.Snapshot
	mon, err := NewMonitor(ctx, MonitorOptions{
		Interface: "eth0",
		Seed:      seed,
		Addrs:     &fakeAddrs{prefix: netip.MustParsePrefix("2001:db8:1::/64")},
		OnChange: func(_ context.Context, snap *translate.Snapshot) {
			gotCallback = snap
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tun := testTunnel(testMonitorSnapshot(seed))
	changed, err := mon.Poll(ctx, tun)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("renumbered prefix not reported as changed")
	}
	want := testMonitorSnapshot(netip.MustParseAddr("2001:db8:1::aaaa:bbbb:cccc:dddd"))
	if *tun.Snapshot() != *want {
		t.Errorf("snapshot = %+v, want %+v", tun.Snapshot(), want)
	}
	if gotCallback != tun.Snapshot() {
		t.Error("OnChange not invoked with the applied snapshot")
	}
}

func TestMonitorPollError(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	seed := netip.MustParseAddr("2001:db8::1")
	mon, err := NewMonitor(ctx, MonitorOptions{
		Interface: "eth0",
		Seed:      seed,
		Addrs:     &fakeAddrs{err: errors.New("link down")},
	})
	if err != nil {
		t.Fatal(err)
	}
	tun := testTunnel(testMonitorSnapshot(seed))
	before := tun.Snapshot()
	changed, err := mon.Poll(ctx, tun)
	if err == nil {
		t.Fatal("expected an error from the address lister")
	}
	if changed {
		t.Error("error poll reported a change")
	}
	if tun.Snapshot() != before {
		t.Error("snapshot replaced on a failed poll")
	}
}

func TestMonitorRandomIdentifier(t *testing.T) {
	t.Parallel()
	mon, err := NewMonitor(testContext(), MonitorOptions{Interface: "eth0"})
	if err != nil {
		t.Fatal(err)
	}
	if mon.iid[0]&0x02 != 0 {
		t.Error("universal bit set on a random interface identifier")
	}
}

func TestInterfaceAddress(t *testing.T) {
	t.Parallel()
	iid := [8]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}
	got := interfaceAddress(netip.MustParsePrefix("2001:db8:0:1::cafe/64"), iid)
	want := netip.MustParseAddr("2001:db8:0:1:aabb:ccdd:eeff:11")
	if got != want {
		t.Errorf("interfaceAddress = %s, want %s", got, want)
	}
}
