package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/beamlink/beamlink/internal/progress"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

// SendFiles streams the given paths in order over the channel.
func (e *Engine) SendFiles(ctx context.Context, paths []string) error {
	total := len(paths)
	for i, path := range paths {
		if err := e.sendOne(ctx, path, i+1, total); err != nil {
			e.events.EmitTransferError(err.Error())
			return err
		}
	}
	e.events.EmitTransferComplete()
	return nil
}

// sendOne transmits a single file as windowed chunks. A fresh
// transferId keeps duplicate filenames within one session distinct.
func (e *Engine) sendOne(ctx context.Context, path string, current, total int) error {
	if e.isClosed() {
		return ErrChannelClosed
	}

	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := stat.Size()
	name := filepath.Base(path)
	chunkSize := int64(e.opts.RemoteChunkSize)
	totalChunks := int((size + chunkSize - 1) / chunkSize)

	transferID := uuid.NewString()
	e.mu.Lock()
	e.acks[transferID] = 0
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.acks, transferID)
		e.mu.Unlock()
	}()

	meta := protocol.FileMeta{
		FileName:    name,
		TransferID:  transferID,
		FileSize:    size,
		TotalChunks: totalChunks,
	}
	data, err := encodeRecord(protocol.RemoteFileMeta, meta)
	if err != nil {
		return err
	}
	if err := e.ch.Send(data); err != nil {
		return fmt.Errorf("send file-meta: %w", err)
	}
	e.logger.Info("remote send started", "file", name, "transfer", transferID,
		"size", size, "chunks", totalChunks)

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	meter := progress.NewMeter()
	meter.Start(size)
	throttle := progress.NewThrottle()

	buf := e.pool.Get()
	defer e.pool.Put(buf)

	var sent int64
	for i := 0; i < totalChunks; i++ {
		if i >= e.opts.WindowSize {
			// Window gate: chunk i may fly only once receivedChunks
			// has reached i-W. Timeouts are logged and the send
			// proceeds best-effort.
			if !e.waitForAck(ctx, transferID, i-e.opts.WindowSize, chunkAckWait) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Warn("chunk ack timeout, proceeding", "file", name, "chunk", i)
			}
		}

		n, err := io.ReadFull(file, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if n == 0 && size > 0 {
			return fmt.Errorf("read %s: short file", path)
		}

		chunk := protocol.FileChunk{
			TransferID: transferID,
			ChunkIndex: i,
			Chunk:      buf[:n],
		}
		data, err := encodeRecord(protocol.RemoteFileChunk, chunk)
		if err != nil {
			return err
		}
		if err := e.ch.Send(data); err != nil {
			return fmt.Errorf("send chunk %d: %w", i, err)
		}

		sent += int64(n)
		meter.Add(n)
		stats := meter.Snapshot()
		if throttle.ShouldEmit(stats.Percent) {
			e.events.EmitProgress(transfer.Progress{
				FileName:    name,
				Progress:    stats.Percent,
				SentBytes:   sent,
				TotalBytes:  size,
				CurrentFile: current,
				TotalFiles:  total,
				SpeedBps:    stats.RateBps,
			})
		}
	}

	e.events.EmitProgress(transfer.Progress{
		FileName:    name,
		Progress:    100,
		SentBytes:   sent,
		TotalBytes:  size,
		CurrentFile: current,
		TotalFiles:  total,
	})

	if !e.waitForAck(ctx, transferID, totalChunks, finalAckWait) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("final ack timeout, proceeding", "file", name)
	}

	complete, err := encodeRecord(protocol.RemoteFileComplete, protocol.FileComplete{
		TransferID: transferID,
		FileSize:   size,
	})
	if err != nil {
		return err
	}
	if err := e.ch.Send(complete); err != nil {
		return fmt.Errorf("send file-complete: %w", err)
	}
	return nil
}

// waitForAck polls until the peer has acknowledged at least target
// chunks for the transfer, the timeout elapses, or ctx is cancelled.
func (e *Engine) waitForAck(ctx context.Context, transferID string, target int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		acked := e.acks[transferID]
		closed := e.closed
		e.mu.Unlock()
		if acked >= target {
			return true
		}
		if closed || time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ackPollInterval):
		}
	}
}

func (e *Engine) handleChunkAck(frame protocol.Frame) {
	var ack protocol.ChunkAck
	if err := frame.DecodePayload(&ack); err != nil {
		e.logger.Warn("bad chunk-ack", "error", err)
		return
	}
	e.mu.Lock()
	if ack.ReceivedChunks > e.acks[ack.TransferID] {
		e.acks[ack.TransferID] = ack.ReceivedChunks
	}
	e.mu.Unlock()
}
