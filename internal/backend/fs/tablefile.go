package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how table payloads are encoded on disk.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression validates a compression name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression %q (valid: none, lz4)", s)
	}
}

const (
	fileMagic   = "TSTB"
	fileVersion = 1
	headerSize  = 24

	codeNone byte = 0
	codeLZ4  byte = 1
)

// Table file layout (big endian):
//
//	[0:4]   magic "TSTB"
//	[4]     format version
//	[5]     compression code
//	[6:8]   reserved
//	[8:16]  xxhash64 of the uncompressed payload
//	[16:24] uncompressed payload length
//	[24:]   body
func encodeTableFile(payload []byte, c Compression) ([]byte, error) {
	body := payload
	code := codeNone

	if c == CompressionLZ4 {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		body = buf.Bytes()
		code = codeLZ4
	}

	out := make([]byte, headerSize, headerSize+len(body))
	copy(out[0:4], fileMagic)
	out[4] = fileVersion
	out[5] = code
	binary.BigEndian.PutUint64(out[8:16], xxhash.Sum64(payload))
	binary.BigEndian.PutUint64(out[16:24], uint64(len(payload)))
	return append(out, body...), nil
}

// decodeTableFile verifies the header and checksum and returns the payload.
func decodeTableFile(raw []byte) ([]byte, error) {
	if len(raw) < headerSize || string(raw[0:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad header", backend.ErrCorrupt)
	}
	if raw[4] != fileVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", backend.ErrCorrupt, raw[4])
	}

	sum := binary.BigEndian.Uint64(raw[8:16])
	size := binary.BigEndian.Uint64(raw[16:24])
	body := raw[headerSize:]

	var payload []byte
	switch raw[5] {
	case codeNone:
		payload = body
	case codeLZ4:
		p, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", backend.ErrCorrupt, err)
		}
		payload = p
	default:
		return nil, fmt.Errorf("%w: unknown compression code %d", backend.ErrCorrupt, raw[5])
	}

	if uint64(len(payload)) != size {
		return nil, fmt.Errorf("%w: length %d, header says %d", backend.ErrCorrupt, len(payload), size)
	}
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", backend.ErrCorrupt)
	}
	return payload, nil
}
