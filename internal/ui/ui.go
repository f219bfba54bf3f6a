package ui

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/discovery"
	"github.com/tomaskal/filedrop/internal/metrics"
	"github.com/tomaskal/filedrop/internal/server"
	"github.com/tomaskal/filedrop/internal/session"
	"github.com/tomaskal/filedrop/internal/share"
	"github.com/tomaskal/filedrop/internal/store"
	"github.com/wailsapp/wails/v2/pkg/runtime"
	"golang.org/x/sync/errgroup"
)

// Client is the object bound to the wails frontend. Its exported
// methods are the shell command surface; replies and notifications
// travel back as named events, not as return values. The exceptions are
// uuid parse failures, OpenFile errors, and the paths chosen in the
// native file and directory pickers.
type Client struct {
	log      *slog.Logger
	emitter  *busEmitter
	st       *store.Store
	self     share.Peer
	server   *server.Server
	listener *session.Listener
	disc     *discovery.Discovery

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewClient wires the whole daemon: store, identity, server actor,
// listener, and discovery. The TCP port is bound here so a bind failure
// surfaces before the window opens and the process can exit non-zero.
func NewClient() (*Client, error) {
	log := slog.Default()

	st, err := store.Open("", log)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	self, err := st.Identity()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	emitter := newBusEmitter(log)

	srv, err := server.New(&server.Opts{
		Log:     log,
		Self:    self,
		Store:   st,
		Emitter: emitter,
	})
	if err != nil {
		return nil, err
	}

	listener, err := session.Listen(config.Load().ListenPort, log, srv.HandleConn)
	if err != nil {
		return nil, err
	}

	disc := discovery.New(&discovery.Opts{
		Log:     log,
		Local:   self,
		Port:    listener.Port(),
		OnFound: srv.PeerFound,
		OnLost:  srv.PeerLost,
	})

	return &Client{
		log:      log.With("component", "ui"),
		emitter:  emitter,
		st:       st,
		self:     self,
		server:   srv,
		listener: listener,
		disc:     disc,
	}, nil
}

// Startup is the wails OnStartup hook: bind the event bus and launch
// the daemon goroutines.
func (c *Client) Startup(ctx context.Context) {
	c.emitter.bind(ctx)
	c.ctx = ctx

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	c.group = g

	g.Go(func() error { return c.server.Run(gctx) })
	g.Go(func() error { return c.listener.Run(gctx) })
	g.Go(func() error { return c.disc.Run(gctx) })

	if cfg := config.Load(); cfg.MetricsEnabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsBindAddr, c.log) })
	}

	c.log.Info("daemon started", "peer_id", c.self.ID, "port", c.listener.Port())
}

// Shutdown is the wails OnShutdown hook.
func (c *Client) Shutdown(ctx context.Context) {
	if c.cancel == nil {
		return
	}
	c.cancel()
	if err := c.group.Wait(); err != nil {
		c.log.Error("daemon stopped with error", "error", err.Error())
	}
}

// ========== command surface ==========

func (c *Client) CreateShareDirectory(name string) {
	c.server.CreateDirectory(name)
}

// GetAllShareDirectoryData triggers an UpdateShareDirectories event.
// The flag mirrors the command schema; state is always fresh.
func (c *Client) GetAllShareDirectoryData(_ bool) {
	c.server.GetAllDirectories()
}

func (c *Client) AddFiles(directoryID string, paths []string) error {
	id, err := uuid.Parse(directoryID)
	if err != nil {
		return fmt.Errorf("invalid directory id: %w", err)
	}
	c.server.AddFiles(id, paths)
	return nil
}

func (c *Client) ShareDirectoryToPeers(directoryID string, peerIDs []string) error {
	id, err := uuid.Parse(directoryID)
	if err != nil {
		return fmt.Errorf("invalid directory id: %w", err)
	}

	peers := make([]uuid.UUID, 0, len(peerIDs))
	for _, raw := range peerIDs {
		peerID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid peer id %q: %w", raw, err)
		}
		peers = append(peers, peerID)
	}

	c.server.ShareDirectoryToPeers(id, peers)
	return nil
}

func (c *Client) DownloadFile(directoryID, fileID string) error {
	dirID, err := uuid.Parse(directoryID)
	if err != nil {
		return fmt.Errorf("invalid directory id: %w", err)
	}
	fID, err := uuid.Parse(fileID)
	if err != nil {
		return fmt.Errorf("invalid file id: %w", err)
	}
	c.server.DownloadFile(dirID, fID)
	return nil
}

func (c *Client) DeleteFile(directoryID, fileID string) error {
	dirID, err := uuid.Parse(directoryID)
	if err != nil {
		return fmt.Errorf("invalid directory id: %w", err)
	}
	fID, err := uuid.Parse(fileID)
	if err != nil {
		return fmt.Errorf("invalid file id: %w", err)
	}
	c.server.DeleteFile(dirID, fID)
	return nil
}

func (c *Client) CancelDownload(downloadID string) error {
	id, err := uuid.Parse(downloadID)
	if err != nil {
		return fmt.Errorf("invalid download id: %w", err)
	}
	c.server.CancelDownload(id)
	return nil
}

func (c *Client) LeaveDirectory(directoryID string) error {
	id, err := uuid.Parse(directoryID)
	if err != nil {
		return fmt.Errorf("invalid directory id: %w", err)
	}
	c.server.LeaveDirectory(id)
	return nil
}

func (c *Client) GetPeers() {
	c.server.GetPeers()
}

func (c *Client) GetSettings() {
	c.server.GetSettings()
}

func (c *Client) SaveSettings(settings store.Settings) {
	c.server.SaveSettings(settings)
}

// OpenFile hands a path to the OS opener.
func (c *Client) OpenFile(path string) error {
	return openPath(path)
}

// SelectDownloadDirectory shows the native directory picker.
func (c *Client) SelectDownloadDirectory() (string, error) {
	return runtime.OpenDirectoryDialog(c.ctx, runtime.OpenDialogOptions{
		Title: "Select Download Directory",
	})
}

// SelectFiles shows the native multi-file picker for add_files.
func (c *Client) SelectFiles() ([]string, error) {
	return runtime.OpenMultipleFilesDialog(c.ctx, runtime.OpenDialogOptions{
		Title: "Select Files to Share",
	})
}
