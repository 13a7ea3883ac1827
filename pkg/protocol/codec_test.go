package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func encodeOrDie(t *testing.T, frameType string, payload any) []byte {
	t.Helper()
	data, err := EncodeFrame(frameType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", frameType, err)
	}
	return data
}

func TestCodec_ControlRoundTrip(t *testing.T) {
	wire := encodeOrDie(t, FrameAuth, Auth{Code: "A1B-2C3"})
	wire = append(wire, encodeOrDie(t, FrameAuthSuccess, nil)...)

	var frames []Frame
	codec := &Codec{}
	err := codec.Ingest(wire, func(f Frame) error {
		frames = append(frames, f)
		return nil
	}, func(p []byte) error {
		t.Fatalf("unexpected payload bytes: %q", p)
		return nil
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Type != FrameAuth || frames[1].Type != FrameAuthSuccess {
		t.Fatalf("frame types: %s, %s", frames[0].Type, frames[1].Type)
	}
	var auth Auth
	if err := frames[0].DecodePayload(&auth); err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if auth.Code != "A1B-2C3" {
		t.Fatalf("auth code: %s", auth.Code)
	}
}

func TestCodec_PayloadContainingDelimiter(t *testing.T) {
	// Payload deliberately embeds the control delimiter; it must pass
	// through untouched because payload mode is length-delimited.
	payload := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x03}

	meta := TransferMetadata{FileName: "x.bin", FileSize: int64(len(payload)), CurrentFile: 1, TotalFiles: 1}
	wire := encodeOrDie(t, FrameMetadata, meta)
	wire = append(wire, payload...)
	wire = append(wire, encodeOrDie(t, FrameFileEnd, nil)...)

	var got []byte
	var frames []string
	codec := &Codec{}
	err := codec.Ingest(wire, func(f Frame) error {
		frames = append(frames, f.Type)
		if f.Type == FrameMetadata {
			var m TransferMetadata
			if err := f.DecodePayload(&m); err != nil {
				return err
			}
			codec.BeginPayload(m.FileSize)
		}
		return nil
	}, func(p []byte) error {
		got = append(got, p...)
		return nil
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %v want %v", got, payload)
	}
	if len(frames) != 2 || frames[0] != FrameMetadata || frames[1] != FrameFileEnd {
		t.Fatalf("frames: %v", frames)
	}
}

func TestCodec_ArbitraryChunking(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 7) // includes long zero-adjacent runs
	}
	meta := TransferMetadata{FileName: "c.bin", FileSize: int64(len(payload)), CurrentFile: 1, TotalFiles: 1}
	wire := encodeOrDie(t, FrameMetadata, meta)
	wire = append(wire, payload...)
	wire = append(wire, encodeOrDie(t, FrameFileEnd, nil)...)

	for _, step := range []int{1, 2, 3, 7, 64, len(wire)} {
		var got []byte
		var sawEnd bool
		codec := &Codec{}
		onFrame := func(f Frame) error {
			switch f.Type {
			case FrameMetadata:
				var m TransferMetadata
				if err := f.DecodePayload(&m); err != nil {
					return err
				}
				codec.BeginPayload(m.FileSize)
			case FrameFileEnd:
				sawEnd = true
			}
			return nil
		}
		onPayload := func(p []byte) error {
			got = append(got, p...)
			return nil
		}

		for off := 0; off < len(wire); off += step {
			end := off + step
			if end > len(wire) {
				end = len(wire)
			}
			if err := codec.Ingest(wire[off:end], onFrame, onPayload); err != nil {
				t.Fatalf("step %d: ingest: %v", step, err)
			}
		}

		if !bytes.Equal(got, payload) {
			t.Fatalf("step %d: payload mismatch (%d bytes, want %d)", step, len(got), len(payload))
		}
		if !sawEnd {
			t.Fatalf("step %d: no file-end frame", step)
		}
	}
}

func TestCodec_ZeroLengthPayload(t *testing.T) {
	wire := encodeOrDie(t, FrameMetadata, TransferMetadata{FileName: "empty.bin", FileSize: 0, CurrentFile: 1, TotalFiles: 1})
	wire = append(wire, encodeOrDie(t, FrameFileEnd, nil)...)

	var frames []string
	codec := &Codec{}
	err := codec.Ingest(wire, func(f Frame) error {
		frames = append(frames, f.Type)
		if f.Type == FrameMetadata {
			codec.BeginPayload(0)
		}
		return nil
	}, func(p []byte) error {
		t.Fatalf("unexpected payload: %v", p)
		return nil
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames: %v", frames)
	}
}

func TestCodec_MalformedFrame(t *testing.T) {
	wire := append([]byte("{not json"), frameDelimiter...)

	codec := &Codec{}
	err := codec.Ingest(wire, func(Frame) error { return nil }, func([]byte) error { return nil })
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
}

func TestCodec_TruncatedPayload(t *testing.T) {
	codec := &Codec{}
	codec.BeginPayload(100)
	if err := codec.Ingest(make([]byte, 40), func(Frame) error { return nil }, func([]byte) error { return nil }); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := codec.CloseStream(); !errors.Is(err, ErrTruncatedPayload) {
		t.Fatalf("got %v, want ErrTruncatedPayload", err)
	}

	if err := codec.Ingest(make([]byte, 60), func(Frame) error { return nil }, func([]byte) error { return nil }); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := codec.CloseStream(); err != nil {
		t.Fatalf("close after full payload: %v", err)
	}
}
