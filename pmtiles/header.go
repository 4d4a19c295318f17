package pmtiles

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"unicode/utf8"
)

// Compression is the compression algorithm applied to a byte range (tile
// payload or internal directory/metadata stream).
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// TileType is the format of individual tile payloads in the archive.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

func (t TileType) String() string {
	switch t {
	case Mvt:
		return "mvt"
	case Png:
		return "png"
	case Jpeg:
		return "jpeg"
	case Webp:
		return "webp"
	case Avif:
		return "avif"
	default:
		return "unknown"
	}
}

// HeaderLenBytes is the fixed, little-endian, binary header size.
const HeaderLenBytes = 127

// MaxInitialBytes is the size of the bootstrap prefix read: header + root
// directory must fit inside it so a single request resolves both.
const MaxInitialBytes = 16384

const e7 = 10000000.0

// Header is the fixed 127-byte archive header.
type Header struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// MinLon etc. surface the stored coordinate fields as decimal degrees.
func (h Header) MinLon() float64    { return float64(h.MinLonE7) / e7 }
func (h Header) MinLat() float64    { return float64(h.MinLatE7) / e7 }
func (h Header) MaxLon() float64    { return float64(h.MaxLonE7) / e7 }
func (h Header) MaxLat() float64    { return float64(h.MaxLatE7) / e7 }
func (h Header) CenterLon() float64 { return float64(h.CenterLonE7) / e7 }
func (h Header) CenterLat() float64 { return float64(h.CenterLatE7) / e7 }

// SerializeHeader writes the exact inverse of DeserializeHeader.
func SerializeHeader(h Header) []byte {
	b := make([]byte, HeaderLenBytes)
	copy(b[0:7], "PMTiles")
	b[7] = 3
	binary.LittleEndian.PutUint64(b[8:16], h.RootOffset)
	binary.LittleEndian.PutUint64(b[16:24], h.RootLength)
	binary.LittleEndian.PutUint64(b[24:32], h.MetadataOffset)
	binary.LittleEndian.PutUint64(b[32:40], h.MetadataLength)
	binary.LittleEndian.PutUint64(b[40:48], h.LeafDirectoryOffset)
	binary.LittleEndian.PutUint64(b[48:56], h.LeafDirectoryLength)
	binary.LittleEndian.PutUint64(b[56:64], h.TileDataOffset)
	binary.LittleEndian.PutUint64(b[64:72], h.TileDataLength)
	binary.LittleEndian.PutUint64(b[72:80], h.AddressedTilesCount)
	binary.LittleEndian.PutUint64(b[80:88], h.TileEntriesCount)
	binary.LittleEndian.PutUint64(b[88:96], h.TileContentsCount)
	if h.Clustered {
		b[96] = 0x1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	binary.LittleEndian.PutUint32(b[102:106], uint32(h.MinLonE7))
	binary.LittleEndian.PutUint32(b[106:110], uint32(h.MinLatE7))
	binary.LittleEndian.PutUint32(b[110:114], uint32(h.MaxLonE7))
	binary.LittleEndian.PutUint32(b[114:118], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	binary.LittleEndian.PutUint32(b[119:123], uint32(h.CenterLonE7))
	binary.LittleEndian.PutUint32(b[123:127], uint32(h.CenterLatE7))
	return b
}

// DeserializeHeader parses a 127-byte header buffer. If the magic bytes are
// the legacy "PM" (version 1/2) it returns UnsupportedPmTilesVersion;
// otherwise a bad magic returns InvalidMagicNumber.
func DeserializeHeader(d []byte) (Header, error) {
	h := Header{}
	if len(d) < HeaderLenBytes {
		return h, wrapError(KindInvalidHeader, "header buffer too short", nil)
	}
	if string(d[0:2]) == "PM" && string(d[0:7]) != "PMTiles" {
		return h, ErrUnsupportedPmTilesVersion
	}
	if string(d[0:7]) != "PMTiles" {
		return h, ErrInvalidMagicNumber
	}

	specVersion := d[7]
	if specVersion > 3 {
		return h, ErrUnsupportedPmTilesVersion
	}

	h.SpecVersion = specVersion
	h.RootOffset = binary.LittleEndian.Uint64(d[8:16])
	h.RootLength = binary.LittleEndian.Uint64(d[16:24])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24:32])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32:40])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40:48])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48:56])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56:64])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64:72])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72:80])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80:88])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88:96])
	h.Clustered = d[96] == 0x1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102:106]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106:110]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110:114]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114:118]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119:123]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123:127]))

	return h, nil
}

// compressBytes applies the given internal-compression codec. Only Gzip and
// NoCompression are implemented; Brotli/Zstd are valid header/enum values
// but neither produced nor decoded by this implementation.
func compressBytes(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case NoCompression:
		return data, nil
	case Gzip:
		var b bytes.Buffer
		w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	default:
		return nil, &Error{Kind: KindUnsupportedCompression, Message: "unsupported compression for write path"}
	}
}

func decompressBytes(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case NoCompression:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, wrapError(KindInvalidCompression, "invalid gzip stream", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, &Error{Kind: KindUnsupportedCompression, Message: "unsupported compression for read path"}
	}
}

// SerializeMetadata marshals metadata to JSON and compresses it with the
// archive's internal compression.
func SerializeMetadata(metadata map[string]interface{}, compression Compression) ([]byte, error) {
	jsonBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return compressBytes(jsonBytes, compression)
}

// DeserializeMetadataBytes decompresses a metadata byte range without
// parsing it as JSON, validating it is well-formed UTF-8 on the way out.
func DeserializeMetadataBytes(data []byte, compression Compression) ([]byte, error) {
	jsonBytes, err := decompressBytes(data, compression)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(jsonBytes) {
		return nil, ErrInvalidMetadataUtf8
	}
	return jsonBytes, nil
}

// DeserializeMetadata decompresses and parses a metadata byte range.
func DeserializeMetadata(data []byte, compression Compression) (map[string]interface{}, error) {
	jsonBytes, err := DeserializeMetadataBytes(data, compression)
	if err != nil {
		return nil, err
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &metadata); err != nil {
		return nil, wrapError(KindInvalidMetadata, "metadata is not a JSON object", err)
	}
	return metadata, nil
}
