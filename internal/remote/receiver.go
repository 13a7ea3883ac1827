package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beamlink/beamlink/internal/progress"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

// remoteFile is the receiver-side state for one in-flight transfer,
// keyed by transferId. The display name is the sender's original name;
// savePath is the on-disk truth after collision renaming.
type remoteFile struct {
	meta     protocol.FileMeta
	savePath string
	file     *os.File

	receivedChunks int
	receivedBytes  int64
	pending        []byte

	writeQ chan []byte
	wg     sync.WaitGroup
	werr   error

	meter    *progress.Meter
	throttle *progress.Throttle
}

// writerLoop serialises disk writes for this transfer.
func (rf *remoteFile) writerLoop() {
	defer rf.wg.Done()
	for buf := range rf.writeQ {
		if rf.werr != nil {
			continue
		}
		if _, err := rf.file.Write(buf); err != nil {
			rf.werr = err
		}
	}
}

// flush hands the buffered bytes to the write queue. The queue is
// bounded; a full queue blocks here, deferring further ingestion
// until the writer drains.
func (rf *remoteFile) flush() {
	if len(rf.pending) == 0 {
		return
	}
	buf := rf.pending
	rf.pending = nil
	rf.writeQ <- buf
}

// drain closes the queue and waits for the writer, bounded.
func (rf *remoteFile) drain(timeout time.Duration) error {
	close(rf.writeQ)
	done := make(chan struct{})
	go func() {
		rf.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("write queue drain timed out for %s", rf.meta.FileName)
	}
	return rf.werr
}

// abandon stops the writer and closes the partial file after a
// disconnect. The partial file is left on disk.
func (rf *remoteFile) abandon() {
	close(rf.writeQ)
	rf.wg.Wait()
	rf.file.Close()
}

func (e *Engine) handleFileMeta(frame protocol.Frame) {
	var meta protocol.FileMeta
	if err := frame.DecodePayload(&meta); err != nil {
		e.logger.Warn("bad file-meta", "error", err)
		return
	}
	if err := transfer.ValidateFilename(meta.FileName); err != nil {
		e.logger.Warn("rejecting unsafe filename", "name", meta.FileName)
		return
	}

	savePath, err := transfer.UniqueSavePath(e.saveDir, meta.FileName)
	if err != nil {
		e.events.EmitTransferError(err.Error())
		return
	}
	file, err := os.OpenFile(savePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		e.events.EmitTransferError(fmt.Sprintf("create %s: %v", savePath, err))
		return
	}

	meter := progress.NewMeter()
	meter.Start(meta.FileSize)

	rf := &remoteFile{
		meta:     meta,
		savePath: savePath,
		file:     file,
		writeQ:   make(chan []byte, writeQueueDepth),
		meter:    meter,
		throttle: progress.NewThrottle(),
	}
	rf.wg.Add(1)
	go rf.writerLoop()

	e.mu.Lock()
	e.files[meta.TransferID] = rf
	e.mu.Unlock()

	e.logger.Info("remote receive started", "file", meta.FileName,
		"transfer", meta.TransferID, "size", meta.FileSize, "chunks", meta.TotalChunks)
}

func (e *Engine) handleFileChunk(frame protocol.Frame) {
	var chunk protocol.FileChunk
	if err := frame.DecodePayload(&chunk); err != nil {
		e.logger.Warn("bad file-chunk", "error", err)
		return
	}

	e.mu.Lock()
	rf := e.files[chunk.TransferID]
	e.mu.Unlock()
	if rf == nil {
		e.logger.Warn("chunk for unknown transfer", "transfer", chunk.TransferID)
		return
	}

	rf.pending = append(rf.pending, chunk.Chunk...)
	rf.receivedChunks++
	rf.receivedBytes += int64(len(chunk.Chunk))
	rf.meter.Add(len(chunk.Chunk))

	final := rf.receivedChunks == rf.meta.TotalChunks
	if len(rf.pending) >= flushThreshold || final {
		rf.flush()
	}

	if rf.receivedChunks%e.opts.WindowSize == 0 || final {
		ack := protocol.ChunkAck{
			TransferID:     chunk.TransferID,
			ReceivedChunks: rf.receivedChunks,
		}
		if data, err := encodeRecord(protocol.RemoteChunkAck, ack); err == nil {
			if err := e.ch.Send(data); err != nil {
				e.logger.Warn("chunk-ack send failed", "error", err)
			}
		}
	}

	stats := rf.meter.Snapshot()
	if rf.throttle.ShouldEmit(stats.Percent) {
		e.events.EmitProgress(transfer.Progress{
			FileName:      rf.meta.FileName,
			Progress:      stats.Percent,
			ReceivedBytes: rf.receivedBytes,
			TotalBytes:    rf.meta.FileSize,
			SpeedBps:      stats.RateBps,
		})
	}
}

func (e *Engine) handleFileComplete(frame protocol.Frame) {
	var complete protocol.FileComplete
	if err := frame.DecodePayload(&complete); err != nil {
		e.logger.Warn("bad file-complete", "error", err)
		return
	}

	e.mu.Lock()
	rf := e.files[complete.TransferID]
	delete(e.files, complete.TransferID)
	e.mu.Unlock()
	if rf == nil {
		e.logger.Warn("file-complete for unknown transfer", "transfer", complete.TransferID)
		return
	}

	rf.flush()
	if err := rf.drain(drainWait); err != nil {
		rf.file.Close()
		os.Remove(rf.savePath)
		e.events.EmitTransferError(err.Error())
		return
	}
	if err := rf.file.Sync(); err != nil {
		rf.file.Close()
		e.events.EmitTransferError(fmt.Sprintf("sync %s: %v", rf.savePath, err))
		return
	}
	if err := rf.file.Close(); err != nil {
		e.events.EmitTransferError(fmt.Sprintf("close %s: %v", rf.savePath, err))
		return
	}

	if rf.receivedBytes != complete.FileSize {
		os.Remove(rf.savePath)
		e.events.EmitTransferError(fmt.Sprintf("%s: got %d of %d bytes",
			rf.meta.FileName, rf.receivedBytes, complete.FileSize))
		return
	}

	e.events.EmitFileReceived(transfer.FileReceived{
		FileName: filepath.Base(rf.savePath),
		FileSize: complete.FileSize,
		SavePath: rf.savePath,
	})
	e.logger.Info("remote file saved", "path", rf.savePath, "size", complete.FileSize)
}
