package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/zeroconf/v2"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/share"
	"github.com/tomaskal/filedrop/pkg/syncmap"
)

// ServiceName is the DNS-SD service type advertised and browsed on the
// LAN. Fixed for all peers; identity comes from the uuid TXT record.
const ServiceName = "_filesharing._tcp"

const (
	mdnsDomain = "local."

	txtUUIDPrefix     = "uuid="
	txtHostnamePrefix = "hostname="
)

// Peer is one observation from a browse round: who and where.
type Peer struct {
	Peer share.Peer
	Addr netip.AddrPort
}

type Opts struct {
	Log   *slog.Logger
	Local share.Peer
	Port  uint16

	// OnFound fires for every (re-)observation of a remote peer.
	// OnLost fires when a peer has not been seen for the expiry window
	// or said goodbye. Both are called from the discovery goroutine.
	OnFound func(Peer)
	OnLost  func(uuid.UUID)
}

// Discovery advertises this peer over mDNS-SD and browses for others.
// Each browse round uses a fresh multicast query; a long-lived browse
// stalls silently on some platforms.
type Discovery struct {
	log     *slog.Logger
	local   share.Peer
	port    uint16
	onFound func(Peer)
	onLost  func(uuid.UUID)

	server   *zeroconf.Server
	lastSeen *syncmap.Map[uuid.UUID, time.Time]
}

func New(opts *Opts) *Discovery {
	return &Discovery{
		log:      opts.Log.With("component", "discovery"),
		local:    opts.Local,
		port:     opts.Port,
		onFound:  opts.OnFound,
		onLost:   opts.OnLost,
		lastSeen: syncmap.New[uuid.UUID, time.Time](),
	}
}

// Run registers the service and browses until ctx is canceled.
func (d *Discovery) Run(ctx context.Context) error {
	txt := []string{
		txtUUIDPrefix + d.local.ID.String(),
		txtHostnamePrefix + d.local.Hostname,
	}

	server, err := zeroconf.Register(
		d.local.ID.String(),
		ServiceName,
		mdnsDomain,
		int(d.port),
		txt,
		nil,
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	d.server = server
	defer server.Shutdown()

	d.log.Info("advertising service",
		"service", ServiceName,
		"port", d.port,
		"peer_id", d.local.ID,
	)

	d.browseRound(ctx)

	ticker := time.NewTicker(config.Load().BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.browseRound(ctx)
			d.expire()
		}
	}
}

// browseRound runs one bounded browse and feeds every discovered entry
// through the found callback.
func (d *Discovery) browseRound(ctx context.Context) {
	browseCtx, cancel := context.WithTimeout(ctx, config.Load().BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := zeroconf.Browse(browseCtx, ServiceName, mdnsDomain, entries); err != nil {
		if ctx.Err() == nil {
			d.log.Debug("browse round error", "error", err)
		}
	}
	<-done
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	peer, ok := d.parseEntry(entry)
	if !ok {
		return
	}
	if peer.Peer.ID == d.local.ID {
		return
	}

	if entry.TTL == 0 {
		// Goodbye packet.
		if _, known := d.lastSeen.Get(peer.Peer.ID); known {
			d.lastSeen.Delete(peer.Peer.ID)
			d.log.Debug("peer said goodbye", "peer_id", peer.Peer.ID)
			d.onLost(peer.Peer.ID)
		}
		return
	}

	if _, known := d.lastSeen.Get(peer.Peer.ID); !known {
		d.log.Info("peer discovered",
			"peer_id", peer.Peer.ID,
			"hostname", peer.Peer.Hostname,
			"addr", peer.Addr,
		)
	}
	d.lastSeen.Put(peer.Peer.ID, time.Now())
	d.onFound(peer)
}

// expire drops peers not observed within the expiry window.
func (d *Discovery) expire() {
	cutoff := time.Now().Add(-config.Load().PeerExpiry)

	var gone []uuid.UUID
	d.lastSeen.Range(func(id uuid.UUID, seen time.Time) bool {
		if seen.Before(cutoff) {
			gone = append(gone, id)
		}
		return true
	})

	for _, id := range gone {
		d.lastSeen.Delete(id)
		d.log.Debug("peer expired", "peer_id", id)
		d.onLost(id)
	}
}

func (d *Discovery) parseEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	var (
		id       uuid.UUID
		hostname string
		haveUUID bool
	)

	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, txtUUIDPrefix):
			parsed, err := uuid.Parse(strings.TrimPrefix(txt, txtUUIDPrefix))
			if err != nil {
				d.log.Debug("bad uuid TXT record", "txt", txt, "error", err)
				return Peer{}, false
			}
			id, haveUUID = parsed, true
		case strings.HasPrefix(txt, txtHostnamePrefix):
			hostname = strings.TrimPrefix(txt, txtHostnamePrefix)
		}
	}
	if !haveUUID {
		return Peer{}, false
	}

	var addr netip.Addr
	for _, ip := range entry.AddrIPv4 {
		if parsed, ok := netip.AddrFromSlice(ip.To4()); ok {
			addr = parsed
			break
		}
	}
	if !addr.IsValid() {
		for _, ip := range entry.AddrIPv6 {
			if parsed, ok := netip.AddrFromSlice(ip); ok {
				addr = parsed
				break
			}
		}
	}
	if !addr.IsValid() {
		return Peer{}, false
	}

	return Peer{
		Peer: share.Peer{ID: id, Hostname: hostname},
		Addr: netip.AddrPortFrom(addr, uint16(entry.Port)),
	}, true
}
