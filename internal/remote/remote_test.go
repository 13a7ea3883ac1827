package remote

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

// memChannel delivers messages directly into the peer engine,
// preserving ordering and message boundaries like the real channel.
type memChannel struct {
	mu     sync.Mutex
	closed bool
	peer   *Engine
}

func (c *memChannel) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	peer := c.peer
	c.mu.Unlock()
	if closed || peer == nil {
		return ErrChannelClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	peer.HandleMessage(buf)
	return nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// enginePair wires a sender engine and a receiver engine back to back.
func enginePair(t *testing.T, saveDir string, recvEvents *transfer.Events) (*Engine, *Engine) {
	t.Helper()
	toReceiver := &memChannel{}
	toSender := &memChannel{}

	sender := NewEngine(transfer.Options{}, testLogger(), &transfer.Events{}, toReceiver, t.TempDir())
	receiver := NewEngine(transfer.Options{}, testLogger(), recvEvents, toSender, saveDir)

	toReceiver.peer = receiver
	toSender.peer = sender
	return sender, receiver
}

func writeTestFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path, data
}

func TestRemoteTransfer_EndToEnd(t *testing.T) {
	saveDir := t.TempDir()
	srcDir := t.TempDir()
	path, data := writeTestFile(t, srcDir, "payload.bin", 5<<20)

	received := make(chan transfer.FileReceived, 1)
	sender, _ := enginePair(t, saveDir, &transfer.Events{
		FileReceived: func(f transfer.FileReceived) { received <- f },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sender.SendFiles(ctx, []string{path}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-received:
		if f.FileName != "payload.bin" || f.FileSize != int64(len(data)) {
			t.Fatalf("event: %+v", f)
		}
		got, err := os.ReadFile(f.SavePath)
		if err != nil {
			t.Fatalf("read saved: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatal("saved bytes differ from source")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no file-received event")
	}
}

func TestRemoteTransfer_DuplicateNames(t *testing.T) {
	saveDir := t.TempDir()
	dirA := t.TempDir()
	dirB := t.TempDir()
	pathA, dataA := writeTestFile(t, dirA, "dup.bin", 1<<20)
	pathB, dataB := writeTestFile(t, dirB, "dup.bin", 1<<20)

	received := make(chan transfer.FileReceived, 2)
	sender, _ := enginePair(t, saveDir, &transfer.Events{
		FileReceived: func(f transfer.FileReceived) { received <- f },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sender.SendFiles(ctx, []string{pathA, pathB}); err != nil {
		t.Fatalf("send: %v", err)
	}

	names := make(map[string][]byte)
	for i := 0; i < 2; i++ {
		select {
		case f := <-received:
			got, err := os.ReadFile(f.SavePath)
			if err != nil {
				t.Fatalf("read %s: %v", f.SavePath, err)
			}
			names[f.FileName] = got
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d files received", i)
		}
	}

	if !bytes.Equal(names["dup.bin"], dataA) {
		t.Fatal("dup.bin content mismatch")
	}
	if !bytes.Equal(names["dup (1).bin"], dataB) {
		t.Fatal("dup (1).bin content mismatch")
	}
}

func TestRemoteTransfer_ZeroByteFile(t *testing.T) {
	saveDir := t.TempDir()
	path, _ := writeTestFile(t, t.TempDir(), "empty.bin", 0)

	received := make(chan transfer.FileReceived, 1)
	sender, _ := enginePair(t, saveDir, &transfer.Events{
		FileReceived: func(f transfer.FileReceived) { received <- f },
	})

	if err := sender.SendFiles(context.Background(), []string{path}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-received:
		stat, err := os.Stat(f.SavePath)
		if err != nil || stat.Size() != 0 {
			t.Fatalf("zero-byte file: %v %v", stat, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no file-received event")
	}
}

func TestChunkAck_Monotonic(t *testing.T) {
	e := NewEngine(transfer.Options{}, testLogger(), &transfer.Events{}, &memChannel{}, t.TempDir())

	ackFrame := func(n int) protocol.Frame {
		f, err := protocol.NewFrame(protocol.RemoteChunkAck, protocol.ChunkAck{TransferID: "t1", ReceivedChunks: n})
		if err != nil {
			t.Fatalf("frame: %v", err)
		}
		return f
	}

	e.handleChunkAck(ackFrame(20))
	e.handleChunkAck(ackFrame(10)) // stale, ignored

	e.mu.Lock()
	got := e.acks["t1"]
	e.mu.Unlock()
	if got != 20 {
		t.Fatalf("acks: %d", got)
	}
}

func TestEngine_ClosedRejectsSend(t *testing.T) {
	sender, _ := enginePair(t, t.TempDir(), &transfer.Events{})
	sender.Close("test shutdown")

	path, _ := writeTestFile(t, t.TempDir(), "late.bin", 100)
	err := sender.SendFiles(context.Background(), []string{path})
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("got %v, want ErrChannelClosed", err)
	}
}

func TestEngine_PeerDisconnectEmitsConnectionLost(t *testing.T) {
	lost := make(chan transfer.ConnectionLost, 1)
	sender, _ := enginePair(t, t.TempDir(), &transfer.Events{
		ConnectionLost: func(l transfer.ConnectionLost) { lost <- l },
	})

	sender.Close("going away")

	select {
	case l := <-lost:
		if l.Reason != "going away" {
			t.Fatalf("reason: %s", l.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no connection-lost event")
	}
}
