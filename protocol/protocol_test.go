package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := []byte(`{"type":"state_sync","data":{"state":{"counter":0}}}`)
	header := &Header{
		CodecType: CodecTypeJSON,
		FrameType: FrameData,
		BodyLen:   uint32(len(body)),
	}

	var buf bytes.Buffer
	if err := Encode(&buf, header, body); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	got, gotBody, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.CodecType != CodecTypeJSON || got.FrameType != FrameData || got.BodyLen != uint32(len(body)) {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch: %q", gotBody)
	}
}

func TestHeartbeatHasNoBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{FrameType: FrameHeartbeat}, nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("heartbeat frame should be header-only, got %d bytes", buf.Len())
	}

	header, body, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if header.FrameType != FrameHeartbeat || len(body) != 0 {
		t.Fatalf("bad heartbeat decode: %+v body=%d", header, len(body))
	}
}

func TestMultipleFramesStayAligned(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("first"), nil, []byte("third frame body")}
	types := []FrameType{FrameData, FrameHeartbeat, FrameData}
	for i, b := range bodies {
		h := &Header{CodecType: CodecTypeJSON, FrameType: types[i], BodyLen: uint32(len(b))}
		if err := Encode(&buf, h, b); err != nil {
			t.Fatal(err)
		}
	}

	for i := range bodies {
		header, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if header.FrameType != types[i] || !bytes.Equal(body, bodies[i]) {
			t.Fatalf("frame %d misaligned: %+v %q", i, header, body)
		}
	}
}

func TestDecodeRejectsInvalidFrames(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		_ = Encode(&buf, &Header{CodecType: CodecTypeJSON, FrameType: FrameData, BodyLen: 2}, []byte("{}"))
		return buf.Bytes()
	}

	cases := []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[3] = 0x7f; return b }},
		{"bad codec", func(b []byte) []byte { b[4] = 0x42; return b }},
		{"bad frame type", func(b []byte) []byte { b[5] = 0x42; return b }},
		{"oversized body", func(b []byte) []byte {
			b[6], b[7], b[8], b[9] = 0xff, 0xff, 0xff, 0xff
			return b
		}},
		{"truncated body", func(b []byte) []byte { return b[:len(b)-1] }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := tc.mangle(valid())
			if _, _, err := Decode(bytes.NewReader(frame)); err == nil {
				t.Fatal("expected a decode error")
			}
		})
	}
}
