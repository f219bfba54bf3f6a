package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/metrics"
	"github.com/tomaskal/filedrop/internal/protocol"
	"github.com/tomaskal/filedrop/internal/share"
)

// Event channel names for the shell, with their payload shapes below.
const (
	EventDownloadStarted  = "DownloadStarted"
	EventDownloadUpdate   = "DownloadUpdate"
	EventDownloadCanceled = "DownloadCanceled"
)

const (
	ReasonCanceled     = "canceled"
	ReasonPeerGone     = "peer gone"
	ReasonHashMismatch = "hash mismatch"
	ReasonWriteFailed  = "write failed"
)

type Emitter interface {
	Emit(event string, payload any)
}

type DownloadStartedPayload struct {
	DownloadID  uuid.UUID `json:"downloadId"`
	DirectoryID uuid.UUID `json:"directoryId"`
	FileID      uuid.UUID `json:"fileId"`
	FileName    string    `json:"fileName"`
	Size        int64     `json:"size"`
}

type DownloadUpdatePayload struct {
	DownloadID uuid.UUID `json:"downloadId"`
	Progress   int       `json:"progress"`
}

type DownloadCanceledPayload struct {
	DownloadID uuid.UUID `json:"downloadId"`
	Reason     string    `json:"reason"`
}

// Completed reports a verified download back to the server so it can
// record local ownership.
type Completed struct {
	DownloadID  uuid.UUID
	DirectoryID uuid.UUID
	FileID      uuid.UUID
	LocalPath   string
}

// Request carries everything the engine needs to run one download.
type Request struct {
	DownloadID  uuid.UUID
	DirectoryID uuid.UUID
	FileID      uuid.UUID
	Source      uuid.UUID
	FileName    string
	Size        int64
	ContentHash uint32
	DownloadDir string
}

// Engine owns every in-flight download: the open writer, received byte
// count, and cancellation. Each download runs its own receiver
// goroutine; the engine's maps are the only shared state.
type Engine struct {
	log        *slog.Logger
	emitter    Emitter
	onComplete func(Completed)

	mu        sync.Mutex
	downloads map[uuid.UUID]*download
}

type download struct {
	req      Request
	path     string
	file     *os.File
	chunks   chan protocol.FileChunk
	ctx      context.Context
	cancel   context.CancelFunc
	reasonMu sync.Mutex
	reason   string
}

func NewEngine(log *slog.Logger, emitter Emitter, onComplete func(Completed)) *Engine {
	return &Engine{
		log:        log.With("component", "transfer"),
		emitter:    emitter,
		onComplete: onComplete,
		downloads:  make(map[uuid.UUID]*download),
	}
}

// Start registers the download, creates the destination file, and spawns
// the receiver. Emits DownloadStarted on success.
func (e *Engine) Start(ctx context.Context, req Request) error {
	if err := os.MkdirAll(req.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	path := filepath.Join(req.DownloadDir, filepath.Base(req.FileName))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	dlCtx, cancel := context.WithCancel(ctx)
	dl := &download{
		req:    req,
		path:   path,
		file:   file,
		chunks: make(chan protocol.FileChunk, config.Load().ChunkQueueBacklog),
		ctx:    dlCtx,
		cancel: cancel,
	}

	e.mu.Lock()
	e.downloads[req.DownloadID] = dl
	e.mu.Unlock()

	metrics.DownloadsActive.Inc()

	e.emitter.Emit(EventDownloadStarted, DownloadStartedPayload{
		DownloadID:  req.DownloadID,
		DirectoryID: req.DirectoryID,
		FileID:      req.FileID,
		FileName:    req.FileName,
		Size:        req.Size,
	})

	e.log.Info("download started",
		"download_id", req.DownloadID,
		"file", req.FileName,
		"size", req.Size,
		"source", req.Source,
	)

	go e.run(dl)
	return nil
}

// Deliver routes a received chunk to its download. Chunks for unknown
// or canceled downloads are dropped. Blocks when the receiver's queue
// is full so backpressure reaches the session reader.
func (e *Engine) Deliver(chunk protocol.FileChunk) {
	e.mu.Lock()
	dl, ok := e.downloads[chunk.DownloadID]
	e.mu.Unlock()
	if !ok {
		return
	}

	select {
	case dl.chunks <- chunk:
	case <-dl.ctx.Done():
	}
}

// Cancel aborts a download. The partial file is removed and exactly one
// DownloadCanceled is emitted, from the receiver goroutine.
func (e *Engine) Cancel(id uuid.UUID, reason string) bool {
	e.mu.Lock()
	dl, ok := e.downloads[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	dl.setReason(reason)
	dl.cancel()
	return true
}

// CancelAllFromPeer aborts every download sourced from the given peer.
// Used during session teardown.
func (e *Engine) CancelAllFromPeer(peer uuid.UUID, reason string) {
	e.mu.Lock()
	var stale []*download
	for _, dl := range e.downloads {
		if dl.req.Source == peer {
			stale = append(stale, dl)
		}
	}
	e.mu.Unlock()

	for _, dl := range stale {
		dl.setReason(reason)
		dl.cancel()
	}
}

// Source reports which peer a live download is pulling from.
func (e *Engine) Source(id uuid.UUID) (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dl, ok := e.downloads[id]
	if !ok {
		return uuid.UUID{}, false
	}
	return dl.req.Source, true
}

func (d *download) setReason(reason string) {
	d.reasonMu.Lock()
	if d.reason == "" {
		d.reason = reason
	}
	d.reasonMu.Unlock()
}

func (d *download) cancelReason() string {
	d.reasonMu.Lock()
	defer d.reasonMu.Unlock()

	if d.reason == "" {
		return ReasonCanceled
	}
	return d.reason
}

// run is the receiver: it writes chunks at their offsets, reports
// progress on whole-percent advances, and verifies the content hash at
// end of file.
func (e *Engine) run(dl *download) {
	var (
		received int64
		lastPct  = -1
	)

	fail := func(reason string) {
		e.abort(dl, reason)
	}

	for {
		select {
		case <-dl.ctx.Done():
			fail(dl.cancelReason())
			return

		case chunk := <-dl.chunks:
			if _, err := dl.file.WriteAt(chunk.Data, chunk.Offset); err != nil {
				e.log.Error("chunk write failed",
					"download_id", dl.req.DownloadID,
					"error", err.Error(),
				)
				fail(ReasonWriteFailed)
				return
			}

			received += int64(len(chunk.Data))
			metrics.BytesReceived.Add(float64(len(chunk.Data)))

			if pct := progress(received, dl.req.Size); pct > lastPct {
				lastPct = pct
				e.emitter.Emit(EventDownloadUpdate, DownloadUpdatePayload{
					DownloadID: dl.req.DownloadID,
					Progress:   pct,
				})
			}

			if chunk.IsLast || received >= dl.req.Size {
				e.finish(dl, lastPct)
				return
			}
		}
	}
}

func progress(received, size int64) int {
	if size <= 0 {
		return 100
	}
	return int(100 * received / size)
}

// finish closes the writer, verifies the hash, and either records the
// completed file or discards it.
func (e *Engine) finish(dl *download, lastPct int) {
	if err := dl.file.Close(); err != nil {
		e.abortClosed(dl, ReasonWriteFailed)
		return
	}

	hash, _, _, err := share.HashFile(dl.path)
	if err != nil || hash != dl.req.ContentHash {
		if err == nil {
			e.log.Warn("content hash mismatch",
				"download_id", dl.req.DownloadID,
				"want", fmt.Sprintf("%08x", dl.req.ContentHash),
				"got", fmt.Sprintf("%08x", hash),
			)
		}
		e.abortClosed(dl, ReasonHashMismatch)
		return
	}

	e.unregister(dl)

	if lastPct < 100 {
		e.emitter.Emit(EventDownloadUpdate, DownloadUpdatePayload{
			DownloadID: dl.req.DownloadID,
			Progress:   100,
		})
	}

	metrics.DownloadsCompleted.Inc()

	e.log.Info("download complete",
		"download_id", dl.req.DownloadID,
		"file", dl.req.FileName,
		"path", dl.path,
	)

	e.onComplete(Completed{
		DownloadID:  dl.req.DownloadID,
		DirectoryID: dl.req.DirectoryID,
		FileID:      dl.req.FileID,
		LocalPath:   dl.path,
	})
}

func (e *Engine) abort(dl *download, reason string) {
	_ = dl.file.Close()
	e.abortClosed(dl, reason)
}

// abortClosed finishes an abort whose writer is already closed: the
// partial file is removed before DownloadCanceled goes out.
func (e *Engine) abortClosed(dl *download, reason string) {
	_ = os.Remove(dl.path)
	e.unregister(dl)

	metrics.DownloadsCanceled.Inc()

	e.log.Info("download canceled",
		"download_id", dl.req.DownloadID,
		"reason", reason,
	)

	e.emitter.Emit(EventDownloadCanceled, DownloadCanceledPayload{
		DownloadID: dl.req.DownloadID,
		Reason:     reason,
	})
}

func (e *Engine) unregister(dl *download) {
	e.mu.Lock()
	if _, ok := e.downloads[dl.req.DownloadID]; ok {
		delete(e.downloads, dl.req.DownloadID)
		metrics.DownloadsActive.Dec()
	}
	e.mu.Unlock()

	dl.cancel()
}
