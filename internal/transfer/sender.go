package transfer

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/metrics"
	"github.com/tomaskal/filedrop/internal/protocol"
)

// SendFile streams the file at path as FileChunk frames through send.
// send is expected to block when the session outbox is full, which is
// what lets other outbound traffic interleave between chunks. The last
// chunk carries IsLast; an empty file produces exactly one empty last
// chunk so the receiver still observes end-of-file.
func SendFile(ctx context.Context, path string, downloadID uuid.UUID, offset int64, send func(context.Context, protocol.Message) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
	}

	chunkSize := config.Load().ChunkSize
	buf := make([]byte, chunkSize)

	for pos := offset; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(f, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return readErr
		}

		isLast := pos+int64(n) >= size

		chunk := protocol.FileChunk{
			DownloadID: downloadID,
			Offset:     pos,
			Data:       append([]byte(nil), buf[:n]...),
			IsLast:     isLast,
		}
		if err := send(ctx, chunk); err != nil {
			return err
		}

		metrics.BytesSent.Add(float64(n))
		pos += int64(n)

		if isLast {
			return nil
		}
	}
}
