// Package presence implements the periodic UDP announcement broadcaster
// (spec §4.I): every BroadcastInterval the daemon tells the LAN it
// exists by sending one datagram to the discovery port.
//
// Grounded on the periodic-announcement-ticker shape in
// ManuGH-xg2g/internal/hdhr/hdhr.go (sendPeriodicAnnouncements /
// sendSSDPNotify / getLocalIP), generalized from SSDP NOTIFY text frames
// to a single JSON announcement object.
package presence

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// BroadcastInterval is how often an announcement is sent (spec §4.I).
const BroadcastInterval = 3 * time.Second

// DiscoveryPort is the UDP port announcements are sent to and discovery
// listens on (spec §6).
const DiscoveryPort = 5354

// BroadcastAddr is the destination address for announcements.
const BroadcastAddr = "255.255.255.255"

// AnnouncementType identifies the message shape on the wire (spec §4.I).
const AnnouncementType = "EXOSTREAM_ANNOUNCEMENT"

// Announcement is the JSON object broadcast every BroadcastInterval.
type Announcement struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// Beacon periodically broadcasts an Announcement describing this daemon.
type Beacon struct {
	Name    string
	Port    int
	Version string
	Logger  zerolog.Logger

	// Now lets tests stub the clock; defaults to time.Now.
	Now func() time.Time
}

// Run broadcasts an announcement immediately, then every BroadcastInterval,
// until ctx is cancelled. Transient send errors are logged and never stop
// the loop (spec §4.I).
func (b *Beacon) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	name := b.Name
	if name == "" {
		name = hostname
	}

	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(BroadcastAddr, strconv.Itoa(DiscoveryPort)))
	if err != nil {
		return err
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
		},
	}
	packetConn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return err
	}
	conn := packetConn.(*net.UDPConn)
	defer func() { _ = conn.Close() }()

	now := b.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	b.send(conn, dest, hostname, name, now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.send(conn, dest, hostname, name, now())
		}
	}
}

func (b *Beacon) send(conn *net.UDPConn, dest *net.UDPAddr, hostname, name string, at time.Time) {
	ann := Announcement{
		Type:      AnnouncementType,
		Name:      name,
		Hostname:  hostname,
		Host:      localIPv4(),
		Port:      b.Port,
		Version:   b.Version,
		Timestamp: at.Unix(),
	}

	data, err := json.Marshal(ann)
	if err != nil {
		b.Logger.Warn().Err(err).Msg("failed to marshal presence announcement")
		return
	}

	if _, err := conn.WriteToUDP(data, dest); err != nil {
		b.Logger.Warn().Err(err).Msg("failed to send presence announcement")
	}
}

// localIPv4 determines this host's routable IPv4 address using the
// "connect a UDP socket to a public address and read the local endpoint"
// trick (no packet is actually sent, since UDP connect only picks a
// route). Falls back to hostname resolution, then loopback (spec §4.I).
func localIPv4() string {
	if conn, err := net.Dial("udp4", "8.8.8.8:80"); err == nil {
		defer func() { _ = conn.Close() }()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
			return addr.IP.String()
		}
	}

	if hostname, err := os.Hostname(); err == nil {
		if addrs, err := net.LookupHost(hostname); err == nil {
			for _, a := range addrs {
				if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
					return a
				}
			}
		}
	}

	return "127.0.0.1"
}
