// Package discovery implements the UDP listener that builds a live table
// of peer exostream daemons on the LAN from the announcements the
// presence beacon sends (spec §4.J).
//
// Grounded on the accept/dispatch shape of
// ManuGH-xg2g/internal/hdhr/hdhr.go (bind with address reuse, read-loop
// with a short deadline, cooperating sweep goroutine) and on the
// control package's SO_REUSEADDR Control closure.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ReceiveTimeout bounds each ReadFromUDP call (spec §4.J).
const ReceiveTimeout = 1 * time.Second

// SweepInterval is how often stale peers are checked for expiry (spec §4.J).
const SweepInterval = 2 * time.Second

// PeerTimeout is how long a peer may go unseen before it is dropped
// (spec §4.J, DISCOVERY_TIMEOUT).
const PeerTimeout = 10 * time.Second

const announcementType = "EXOSTREAM_ANNOUNCEMENT"

// PeerService is one entry in the discovery table.
type PeerService struct {
	Name     string    `json:"name"`
	Hostname string    `json:"hostname"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"last_seen"`
}

type wireAnnouncement struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Host     string `json:"host"`
	Port     *int   `json:"port"`
	Version  string `json:"version"`
}

// Listener tracks peer services announced on the LAN.
type Listener struct {
	Addr   string // default "0.0.0.0:5354"
	Logger zerolog.Logger

	// OnAdded/OnUpdated/OnRemoved are invoked outside the table mutex
	// (spec §4.J "callbacks invoked outside the mutex"); nil callbacks
	// are skipped. A panicking callback is the caller's problem to avoid,
	// the loop itself never takes the blame for one.
	OnAdded   func(key string, peer PeerService)
	OnUpdated func(key string, peer PeerService)
	OnRemoved func(key string, peer PeerService)

	// Now lets tests stub the clock; defaults to time.Now.
	Now func() time.Time

	mu    sync.Mutex
	peers map[string]PeerService
}

// Run binds the discovery socket and runs the receive loop and the sweep
// loop concurrently until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	addr := l.Addr
	if addr == "" {
		addr = "0.0.0.0:5354"
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return err
	}
	conn := pc.(*net.UDPConn)
	defer func() { _ = conn.Close() }()

	l.mu.Lock()
	if l.peers == nil {
		l.peers = make(map[string]PeerService)
	}
	l.mu.Unlock()

	l.Logger.Info().Str("addr", addr).Msg("discovery listener started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.receiveLoop(ctx, conn) }()
	go func() { defer wg.Done(); l.sweepLoop(ctx) }()
	wg.Wait()
	return nil
}

func (l *Listener) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(ReceiveTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.Logger.Warn().Err(err).Msg("discovery read error")
			continue
		}
		l.handleDatagram(buf[:n])
	}
}

func (l *Listener) handleDatagram(data []byte) {
	var ann wireAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		return
	}
	if ann.Type != announcementType {
		return
	}
	if ann.Name == "" || ann.Hostname == "" || ann.Host == "" || ann.Port == nil {
		return
	}

	now := l.now()
	key := net.JoinHostPort(ann.Host, strconv.Itoa(*ann.Port))
	peer := PeerService{Name: ann.Name, Hostname: ann.Hostname, Host: ann.Host, Port: *ann.Port, Version: ann.Version, LastSeen: now}

	l.mu.Lock()
	if l.peers == nil {
		l.peers = make(map[string]PeerService)
	}
	_, existed := l.peers[key]
	l.peers[key] = peer
	l.mu.Unlock()

	if existed {
		if l.OnUpdated != nil {
			l.OnUpdated(key, peer)
		}
	} else if l.OnAdded != nil {
		l.OnAdded(key, peer)
	}
}

func (l *Listener) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Listener) sweep() {
	now := l.now()

	l.mu.Lock()
	var expired []string
	for key, peer := range l.peers {
		if now.Sub(peer.LastSeen) > PeerTimeout {
			expired = append(expired, key)
		}
	}
	removed := make(map[string]PeerService, len(expired))
	for _, key := range expired {
		removed[key] = l.peers[key]
		delete(l.peers, key)
	}
	l.mu.Unlock()

	if l.OnRemoved == nil {
		return
	}
	for key, peer := range removed {
		l.OnRemoved(key, peer)
	}
}

// GetServices returns a snapshot of the current peer table.
func (l *Listener) GetServices() map[string]PeerService {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]PeerService, len(l.peers))
	for k, v := range l.peers {
		out[k] = v
	}
	return out
}

func (l *Listener) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

