package protocol

import (
	"errors"
	"testing"
)

func TestMouseClickRoundTrip(t *testing.T) {
	cases := []MouseClick{
		{X: 0, Y: 0, Button: ButtonLeft, Pressed: true},
		{X: 1919, Y: 1079, Button: ButtonRight, Pressed: false},
		{X: -5, Y: -5, Button: ButtonMiddle, Pressed: true},
	}
	for _, c := range cases {
		decoded, err := DecodeMouseClick(c.Encode())
		if err != nil {
			t.Fatal(err)
		}
		if decoded != c {
			t.Fatalf("got %+v, want %+v", decoded, c)
		}
	}
}

func TestMouseMoveShortPayload(t *testing.T) {
	_, err := DecodeMouseMove([]byte{0x01})
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("got %v, want ErrShortPayload", err)
	}
}

func TestScreenshotRoundTrip(t *testing.T) {
	orig := Screenshot{
		Width:  1920,
		Height: 1080,
		Format: FormatPNG,
		Data:   []byte{1, 2, 3, 4},
	}
	decoded, err := DecodeScreenshot(orig.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Width != orig.Width || decoded.Height != orig.Height ||
		decoded.Format != orig.Format || len(decoded.Data) != len(orig.Data) {
		t.Fatalf("got %+v, want %+v", decoded, orig)
	}
}

func TestFormatByName(t *testing.T) {
	for _, f := range []FrameFormat{FormatPNG, FormatZRaw} {
		got, ok := FormatByName(f.Name())
		if !ok || got != f {
			t.Fatalf("format %q did not round trip", f.Name())
		}
	}
	if _, ok := FormatByName("bmp"); ok {
		t.Fatal("unknown format name should not resolve")
	}
}

func TestAuthRequestJSON(t *testing.T) {
	orig := AuthRequest{
		Username:      "admin",
		Password:      "hunter2",
		ScreenFormats: []string{"png", "zraw"},
	}
	data, err := MarshalJSONPayload(orig)
	if err != nil {
		t.Fatal(err)
	}

	var decoded AuthRequest
	if err := UnmarshalJSONPayload(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Username != orig.Username || decoded.Password != orig.Password {
		t.Fatalf("got %+v, want %+v", decoded, orig)
	}
	if len(decoded.ScreenFormats) != 2 {
		t.Fatalf("screen formats lost: %+v", decoded.ScreenFormats)
	}
}

func TestFileTransferRequestChunkData(t *testing.T) {
	orig := FileTransferRequest{
		Op:     FileOpChunk,
		ID:     "op-1",
		Offset: 65536,
		Data:   []byte{0x00, 0xFF, 0x7F, 0x80},
	}
	data, err := MarshalJSONPayload(orig)
	if err != nil {
		t.Fatal(err)
	}

	var decoded FileTransferRequest
	if err := UnmarshalJSONPayload(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Offset != orig.Offset || len(decoded.Data) != len(orig.Data) {
		t.Fatalf("got %+v, want %+v", decoded, orig)
	}
	for i := range orig.Data {
		if decoded.Data[i] != orig.Data[i] {
			t.Fatalf("chunk byte %d mismatch", i)
		}
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	var req AuthRequest
	if err := UnmarshalJSONPayload([]byte("not json"), &req); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
