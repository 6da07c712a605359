package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/backend/backendtest"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

func TestBackend_Conformance(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			backendtest.Run(t, func(t *testing.T) backend.Backend {
				b, err := New(t.TempDir(), WithCompression(c))
				if err != nil {
					t.Fatalf("New() error = %v", err)
				}
				return b
			})
		})
	}
}

func TestBackend_CorruptSourceIsCacheMiss(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	w := pipeline.WorkingName("raw")
	if err := b.CreateSchema(ctx, "raw", w); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteTable(ctx, "raw", "t", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	// Given: a flipped byte in the stored body
	path := filepath.Join(b.Root(), "raw", "t"+tableExt)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	// Then: reads report corruption and copies degrade to a cache miss
	if _, err := b.ReadTable(ctx, "raw", "t"); !errors.Is(err, backend.ErrCorrupt) {
		t.Errorf("ReadTable() error = %v, want ErrCorrupt", err)
	}
	if err := b.CopyTable(ctx, "raw", "t", w, "t"); !errors.Is(err, pipeline.ErrCacheMiss) {
		t.Errorf("CopyTable() error = %v, want ErrCacheMiss", err)
	}
	if ok, _ := b.HasTable(ctx, w, "t"); ok {
		t.Error("corrupt copy reached the working namespace")
	}
}

func TestBackend_SwapUpdatesMeta(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	w := pipeline.WorkingName("raw")
	if err := b.CreateSchema(ctx, "raw", w); err != nil {
		t.Fatal(err)
	}

	meta, err := b.NamespaceMeta("raw")
	if err != nil {
		t.Fatalf("NamespaceMeta() error = %v", err)
	}
	if !meta.LastSwapped.IsZero() {
		t.Errorf("LastSwapped = %v before any swap", meta.LastSwapped)
	}

	if err := b.SwapSchema(ctx, "raw", w); err != nil {
		t.Fatal(err)
	}
	meta, err = b.NamespaceMeta("raw")
	if err != nil {
		t.Fatal(err)
	}
	if meta.LastSwapped.IsZero() {
		t.Error("LastSwapped not set after swap")
	}
}

func TestTableFile_RoundTrip(t *testing.T) {
	payload := []byte(`{"columns":["a"],"rows":[[1],[2],[3]]}`)
	for _, c := range []Compression{CompressionNone, CompressionLZ4} {
		raw, err := encodeTableFile(payload, c)
		if err != nil {
			t.Fatalf("encodeTableFile(%s) error = %v", c, err)
		}
		got, err := decodeTableFile(raw)
		if err != nil {
			t.Fatalf("decodeTableFile(%s) error = %v", c, err)
		}
		if string(got) != string(payload) {
			t.Errorf("%s round trip = %q", c, got)
		}
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"lz4", CompressionLZ4, false},
		{"zstd", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompression(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
