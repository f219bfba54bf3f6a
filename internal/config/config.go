package config

import "time"

// Config defines behavior and resource limits for the sharing daemon.
// User-facing settings (download directory, theme) live in the persisted
// store instead; everything here is process tuning.
type Config struct {
	// ========== Networking ==========

	// ListenPort is the TCP port this peer listens on for incoming
	// sessions. 0 lets the OS pick one; the chosen port is what gets
	// advertised over mDNS.
	ListenPort uint16

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the initial handshake exchange. A peer
	// that does not present its identity within this window is dropped.
	HandshakeTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a frame to
	// a peer before considering the connection stalled.
	WriteTimeout time.Duration

	// KeepaliveInterval is how long a session may go without outbound
	// traffic before a keepalive frame is sent.
	KeepaliveInterval time.Duration

	// IdleTimeout is how long a session may go without inbound traffic
	// before it is closed.
	IdleTimeout time.Duration

	// SessionOutboxBacklog is the maximum number of frames a session
	// can have queued for write.
	SessionOutboxBacklog int

	// DialAttempts bounds how many times an outbound session dial is
	// attempted, the first try included, before the failure is reported.
	DialAttempts int

	// ========== Discovery ==========

	// BrowseInterval controls how often the mDNS browse round is
	// re-run. Each round uses a fresh multicast query.
	BrowseInterval time.Duration

	// BrowseTimeout is how long a single browse round may run.
	BrowseTimeout time.Duration

	// PeerExpiry is how long a discovered peer is kept after it was
	// last seen in a browse round.
	PeerExpiry time.Duration

	// ========== Transfers ==========

	// ChunkSize is the payload size of a single FileChunk frame.
	ChunkSize int

	// ChunkQueueBacklog is the per-download buffer of received chunks
	// awaiting the disk writer.
	ChunkQueueBacklog int

	// ========== Server ==========

	// InboxBacklog bounds the server actor's command inbox.
	InboxBacklog int

	// SnapshotInterval is how often the directory state is persisted in
	// addition to the persist-on-mutation writes.
	SnapshotInterval time.Duration

	// ShutdownTimeout is how long shutdown waits for sessions to drain
	// before aborting them.
	ShutdownTimeout time.Duration

	// ========== Metrics ==========

	// MetricsEnabled toggles the Prometheus metrics endpoint.
	MetricsEnabled bool

	// MetricsBindAddr is the HTTP address for metrics (e.g. ":9090").
	MetricsBindAddr string
}

func defaultConfig() Config {
	return Config{
		ListenPort:           42424,
		DialTimeout:          7 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         30 * time.Second,
		KeepaliveInterval:    60 * time.Second,
		IdleTimeout:          90 * time.Second,
		SessionOutboxBacklog: 256,
		DialAttempts:         3,
		BrowseInterval:       30 * time.Second,
		BrowseTimeout:        10 * time.Second,
		PeerExpiry:           2 * time.Minute,
		ChunkSize:            64 << 10,
		ChunkQueueBacklog:    32,
		InboxBacklog:         512,
		SnapshotInterval:     time.Minute,
		ShutdownTimeout:      5 * time.Second,
		MetricsEnabled:       false,
		MetricsBindAddr:      ":9090",
	}
}
