// Package codec converts topology snapshots to and from bytes.
//
// The binary form is an envelope around the Core Deterministic CBOR encoding
// (RFC 8949 §4.2) of topology.Map:
//
//	offset  size  field
//	0       4     magic "ZCRS"
//	4       1     format version
//	5       1     compression tag
//	6       8     xxhash64 of the stored payload, big endian
//	14      ...   payload
//
// The same snapshot always encodes to the same bytes, so checksums of two
// encodings can be compared to tell whether two nodes hold the same epoch.
// The YAML form carries the same records for people to read and edit.
//
// Decoding always validates: a snapshot that does not build into a checked
// topology is rejected as a whole.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
)

const (
	Magic         = "ZCRS"
	FormatVersion = 1

	headerSize = 14
	// maxDecoded bounds the decompressed payload.
	maxDecoded = 256 << 20
)

// Compression identifies how the payload is stored. The values are written
// to the envelope and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the name of a compression tag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		TextUnmarshaler:   cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode writes the binary form of t.
func Encode(t *topology.Topology, c Compression) ([]byte, error) {
	return EncodeMap(t.Map(), c)
}

// EncodeMap writes the binary form of raw records without validating them.
func EncodeMap(m topology.Map, c Compression) ([]byte, error) {
	payload, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	switch c {
	case CompressionNone:
	case CompressionZstd:
		payload = zstdEncoder.EncodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("encode snapshot: unsupported compression %s", c)
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, Magic)
	out[4] = FormatVersion
	out[5] = byte(c)
	binary.BigEndian.PutUint64(out[6:], xxhash.Sum64(payload))
	return append(out, payload...), nil
}

// Checksum returns the payload checksum recorded in an encoded snapshot.
func Checksum(data []byte) (uint64, error) {
	if err := checkHeader(data); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data[6:]), nil
}

func checkHeader(data []byte) error {
	if len(data) < headerSize {
		return zerrors.MalformedError("snapshot truncated at %d bytes", len(data))
	}
	if string(data[:4]) != Magic {
		return zerrors.MalformedError("bad snapshot magic %q", data[:4])
	}
	if data[4] != FormatVersion {
		return zerrors.MalformedError("unsupported snapshot version %d", data[4])
	}
	return nil
}

// DecodeMap reads the records of a binary snapshot without building them.
func DecodeMap(data []byte) (topology.Map, error) {
	var m topology.Map
	if err := checkHeader(data); err != nil {
		return m, err
	}

	payload := data[headerSize:]
	if sum := xxhash.Sum64(payload); sum != binary.BigEndian.Uint64(data[6:]) {
		return m, fmt.Errorf("%w: have %016x, header says %016x", zerrors.ErrChecksumMismatch, sum, binary.BigEndian.Uint64(data[6:]))
	}

	switch Compression(data[5]) {
	case CompressionNone:
	case CompressionZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return m, zerrors.MalformedError("decompress snapshot: %v", err)
		}
	default:
		return m, zerrors.MalformedError("unknown compression tag %d", data[5])
	}

	if err := decMode.Unmarshal(payload, &m); err != nil {
		return m, zerrors.MalformedError("decode snapshot: %v", err)
	}
	return m, nil
}

// Decode reads and validates a binary snapshot.
func Decode(data []byte) (*topology.Topology, error) {
	m, err := DecodeMap(data)
	if err != nil {
		return nil, err
	}
	return topology.New(m)
}

// IsBinary reports whether data starts with the envelope magic.
func IsBinary(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Magic))
}

// Load decodes either form, telling them apart by the magic.
func Load(data []byte) (*topology.Topology, error) {
	if IsBinary(data) {
		return Decode(data)
	}
	return DecodeYAML(data)
}

// Read loads a snapshot of either form from r.
func Read(r io.Reader) (*topology.Topology, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDecoded))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Load(data)
}
