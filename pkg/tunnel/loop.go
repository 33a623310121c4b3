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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/webmeshproj/clatd/pkg/context"
	"github.com/webmeshproj/clatd/pkg/translate"
)

const (
	// PollIntervalActive is the wait timeout while traffic has
	// recently flowed.
	PollIntervalActive = 30 * time.Second
	// PollIntervalIdle is the wait timeout after an idle period.
	PollIntervalIdle = 90 * time.Second
)

// EtherType values carried in the tun packet-information header.
const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
)

const reasonIOError = "io-error"

// Loop is the single-threaded event loop of the translator. It
// multiplexes the tun and uplink descriptors, translates one packet
// per readiness event, and polls the address monitor on timeout.
// Translation, I/O and polling never run concurrently; the only
// cross-goroutine state is the run flag and the wake pipe.
type Loop struct {
	tun     *Tunnel
	mon     *Monitor
	running *atomic.Bool
	recheck atomic.Bool
	wakeR   int
	wakeW   int
	log     *slog.Logger

	// Buffers are allocated once and reused for every packet.
	readBuf  []byte
	writeBuf []byte

	interval    time.Duration
	lastTraffic time.Time
}

// NewLoop returns a new event loop over the given tunnel. The run
// flag is owned by the caller; the loop only reads it.
func NewLoop(ctx context.Context, tun *Tunnel, mon *Monitor, running *atomic.Bool) (*Loop, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	return &Loop{
		tun:         tun,
		mon:         mon,
		running:     running,
		wakeR:       pipe[0],
		wakeW:       pipe[1],
		log:         context.LoggerFrom(ctx).With(slog.String("component", "loop")),
		readBuf:     make([]byte, translate.PacketLen),
		writeBuf:    make([]byte, translate.PacketLen),
		interval:    PollIntervalActive,
		lastTraffic: time.Now(),
	}, nil
}

// Wake interrupts the blocking wait. It performs a single nonblocking
// write and is safe to call from the signal-handling goroutine.
func (l *Loop) Wake() {
	var b [1]byte
	unix.Write(l.wakeW, b[:]) //nolint:errcheck
}

// RequestRecheck forces an out-of-cycle address monitor poll.
func (l *Loop) RequestRecheck() {
	l.recheck.Store(true)
	l.Wake()
}

// Run executes the event loop until the run flag clears or a fatal
// descriptor error occurs. The wake pipe is released on return; the
// tunnel descriptors belong to the caller.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		unix.Close(l.wakeR)
		unix.Close(l.wakeW)
	}()
	PollInterval.Set(l.interval.Seconds())
	fds := make([]unix.PollFd, 3)
	for l.running.Load() {
		fds[0] = unix.PollFd{Fd: int32(l.tun.tunFd), Events: unix.POLLIN}
		fds[1] = unix.PollFd{Fd: int32(l.tun.uplinkFd), Events: unix.POLLIN}
		fds[2] = unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN}
		n, err := unix.Poll(fds, int(l.interval.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if !l.running.Load() {
			break
		}
		if n == 0 {
			l.pollMonitor(ctx)
			l.adaptInterval()
			continue
		}
		if fds[2].Revents != 0 {
			l.drainWake()
			if l.recheck.Swap(false) {
				l.pollMonitor(ctx)
			}
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return errors.New("tun descriptor failed")
		}
		if fds[1].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return errors.New("uplink descriptor failed")
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			if err := l.dispatchTun(); err != nil {
				return err
			}
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			if err := l.dispatchUplink(); err != nil {
				return err
			}
		}
		l.lastTraffic = time.Now()
		l.adaptInterval()
	}
	l.log.Info("Run flag cleared, event loop shutting down")
	return nil
}

// adaptInterval relaxes the wait timeout on a quiescent link and
// tightens it again while traffic flows.
func (l *Loop) adaptInterval() {
	next := PollIntervalActive
	if time.Since(l.lastTraffic) >= PollIntervalActive {
		next = PollIntervalIdle
	}
	if next != l.interval {
		l.interval = next
		PollInterval.Set(next.Seconds())
		l.log.Debug("Adjusted poll interval", slog.Duration("interval", next))
	}
}

func (l *Loop) pollMonitor(ctx context.Context) {
	changed, err := l.mon.Poll(ctx, l.tun)
	if err != nil {
		// Resolution errors are the collaborator's problem to retry;
		// the loop just re-polls on its normal cadence.
		l.log.Warn("Address monitor poll failed", slog.String("error", err.Error()))
		return
	}
	if changed {
		l.log.Debug("Applied new uplink addressing state")
	}
}

func (l *Loop) drainWake() {
	var b [16]byte
	for {
		n, err := unix.Read(l.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// dispatchTun reads one framed IPv4 packet from the tun device and
// routes it through the translator to the uplink.
func (l *Loop) dispatchTun() error {
	n, err := unix.Read(l.tun.tunFd, l.readBuf)
	if err != nil {
		if isTransientIOErr(err) {
			return nil
		}
		return fmt.Errorf("read tun: %w", err)
	}
	if n < translate.PILen {
		DroppedPackets.WithLabelValues(directionToUplink, string(translate.ReasonMalformed)).Inc()
		return nil
	}
	pkt := l.readBuf[translate.PILen:n]
	res := translate.ToIPv6(l.tun.Snapshot(), pkt, l.writeBuf[translate.PILen:])
	switch res.Verdict {
	case translate.VerdictForward:
		if err := l.writeUplink(res.Packet); err != nil {
			return err
		}
		TranslatedPackets.WithLabelValues(directionToUplink).Inc()
	case translate.VerdictICMPReply:
		if err := l.writeTun(res.Packet, etherTypeIPv4); err != nil {
			return err
		}
		ICMPReplies.WithLabelValues(directionToUplink).Inc()
	case translate.VerdictDrop:
		DroppedPackets.WithLabelValues(directionToUplink, string(res.Reason)).Inc()
	}
	return nil
}

// dispatchUplink reads one IPv6 packet from the uplink packet socket
// and routes it through the translator to the tun device.
func (l *Loop) dispatchUplink() error {
	n, err := unix.Read(l.tun.uplinkFd, l.readBuf)
	if err != nil {
		if isTransientIOErr(err) {
			return nil
		}
		return fmt.Errorf("read uplink: %w", err)
	}
	pkt := l.readBuf[:n]
	// The packet socket sees all IPv6 on the uplink; everything not
	// addressed to the local translated address is ignored without
	// further inspection.
	snap := l.tun.Snapshot()
	if n < 40 || !snap.Valid() || netip.AddrFrom16([16]byte(pkt[24:40])) != snap.LocalV6 {
		return nil
	}
	res := translate.ToIPv4(snap, pkt, l.writeBuf[translate.PILen:])
	switch res.Verdict {
	case translate.VerdictForward:
		if err := l.writeTun(res.Packet, etherTypeIPv4); err != nil {
			return err
		}
		TranslatedPackets.WithLabelValues(directionToTun).Inc()
	case translate.VerdictICMPReply:
		if err := l.writeUplink(res.Packet); err != nil {
			return err
		}
		ICMPReplies.WithLabelValues(directionToTun).Inc()
	case translate.VerdictDrop:
		DroppedPackets.WithLabelValues(directionToTun, string(res.Reason)).Inc()
	}
	return nil
}

// writeTun writes one packet back to the tun device with its framing
// header. The packet must alias writeBuf past the framing header.
func (l *Loop) writeTun(pkt []byte, proto uint16) error {
	binary.BigEndian.PutUint16(l.writeBuf[0:2], 0) // tun_pi flags
	binary.BigEndian.PutUint16(l.writeBuf[2:4], proto)
	return l.writePacket(func() (int, error) {
		return unix.Write(l.tun.tunFd, l.writeBuf[:translate.PILen+len(pkt)])
	}, "tun")
}

// writeUplink sends one translated IPv6 packet on the raw socket. The
// kernel routes it toward the destination embedded in the header.
func (l *Loop) writeUplink(pkt []byte) error {
	sa := &unix.SockaddrInet6{}
	copy(sa.Addr[:], pkt[24:40])
	return l.writePacket(func() (int, error) {
		return len(pkt), unix.Sendto(l.tun.rawFd, pkt, 0, sa)
	}, "uplink")
}

// writePacket performs one packet write, retrying interrupted calls.
// A transient error drops only this packet; a fatal error is returned
// to terminate the loop.
func (l *Loop) writePacket(write func() (int, error), endpoint string) error {
	for {
		_, err := write()
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if isFatalIOErr(err) {
			return fmt.Errorf("write %s: %w", endpoint, err)
		}
		l.log.Debug("Transient write error, packet dropped",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()))
		direction := directionToUplink
		if endpoint == "tun" {
			direction = directionToTun
		}
		DroppedPackets.WithLabelValues(direction, reasonIOError).Inc()
		return nil
	}
}

// isFatalIOErr reports whether the error means the descriptor itself
// is unusable, in which case the daemon cannot continue with only one
// working endpoint.
func isFatalIOErr(err error) bool {
	return errors.Is(err, unix.EBADF) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EIO) ||
		errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.ENXIO) ||
		errors.Is(err, unix.EFAULT)
}

func isTransientIOErr(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
