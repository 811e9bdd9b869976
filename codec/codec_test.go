package codec

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"sync-rpc/message"
)

func TestCodecRoundTrip(t *testing.T) {
	msg, err := message.NewSync(json.RawMessage(`{"counter":5,"tabs":["a","b"]}`))
	if err != nil {
		t.Fatal(err)
	}

	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeZstd} {
		c := GetCodec(ct)
		if c.Type() != ct {
			t.Fatalf("codec %d reports type %d", ct, c.Type())
		}

		data, err := c.Encode(msg)
		if err != nil {
			t.Fatalf("codec %d encode: %v", ct, err)
		}

		var back message.Message
		if err := c.Decode(data, &back); err != nil {
			t.Fatalf("codec %d decode: %v", ct, err)
		}
		if back.Type != message.TypeSync || !reflect.DeepEqual(back.Data, msg.Data) {
			t.Fatalf("codec %d round trip mismatch: %+v", ct, back)
		}
	}
}

func TestZstdShrinksRepetitiveSnapshots(t *testing.T) {
	// A snapshot full of repeated structure, the shape zstd exists for.
	state := map[string]any{}
	for i := 0; i < 200; i++ {
		state["tab-"+strings.Repeat("x", 3)+string(rune('a'+i%26))] = map[string]any{
			"title": "workspace tab",
			"url":   "https://example.com/workspace/tab",
		}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := message.NewSync(raw)
	if err != nil {
		t.Fatal(err)
	}

	plain, err := GetCodec(CodecTypeJSON).Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := GetCodec(CodecTypeZstd).Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) >= len(plain) {
		t.Fatalf("zstd did not compress: plain=%d packed=%d", len(plain), len(packed))
	}
}

func TestZstdRejectsGarbage(t *testing.T) {
	var out message.Message
	if err := GetCodec(CodecTypeZstd).Decode([]byte("not a zstd frame"), &out); err == nil {
		t.Fatal("expected a decode error")
	}
}
