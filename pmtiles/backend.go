package pmtiles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
)

// Backend is the random-access byte-range contract the reader, writer
// verification, and extractor are built against. Implementations are
// expected to be safe for concurrent use; the reader itself never shares
// mutable state through a Backend.
type Backend interface {
	// Read returns up to length bytes starting at offset. It may return
	// fewer bytes than requested only at end-of-stream.
	Read(ctx context.Context, offset, length uint64) ([]byte, error)
	Close() error
}

// ReadExact reads exactly length bytes from a Backend, or returns
// UnexpectedNumberOfBytesReturned.
func ReadExact(ctx context.Context, b Backend, offset, length uint64) ([]byte, error) {
	data, err := b.Read(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != length {
		return nil, unexpectedBytesError(int(length), len(data))
	}
	return data, nil
}

// FileBackend reads byte ranges from a single local file.
type FileBackend struct {
	f *os.File
}

// NewFileBackend opens path for random-access reads.
func NewFileBackend(path string) (*FileBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapError(KindReading, "opening file backend", err)
	}
	return &FileBackend{f: f}, nil
}

func (b *FileBackend) Read(_ context.Context, offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := b.f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, wrapError(KindReading, "file read", err)
	}
	return buf[:n], nil
}

func (b *FileBackend) Close() error {
	return b.f.Close()
}

// HTTPClient lets tests swap in a mock transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBackend reads byte ranges from a range-capable HTTP server.
type HTTPBackend struct {
	baseURL string
	client  HTTPClient
}

// NewHTTPBackend builds a backend rooted at baseURL using http.DefaultClient.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{baseURL: baseURL, client: http.DefaultClient}
}

func (b *HTTPBackend) Read(ctx context.Context, offset, length uint64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, wrapError(KindReading, "http request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		// server ignored the Range header and sent the whole object
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, wrapError(KindReading, "http body", err)
		}
		if offset >= uint64(len(body)) {
			return nil, nil
		}
		end := offset + length
		if end > uint64(len(body)) {
			end = uint64(len(body))
		}
		return body[offset:end], nil
	}
	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			return nil, ErrRangeRequestsUnsupported
		}
		return nil, wrapError(KindReading, fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(KindReading, "http body", err)
	}
	if uint64(len(body)) > length {
		return nil, ErrResponseBodyTooLong
	}
	return body, nil
}

func (b *HTTPBackend) Close() error {
	return nil
}

// MemoryBackend is an in-memory Backend, used by tests and by small
// archives loaded wholesale.
type MemoryBackend struct {
	data []byte
}

// NewMemoryBackend wraps a byte slice as a Backend.
func NewMemoryBackend(data []byte) *MemoryBackend {
	return &MemoryBackend{data: data}
}

func (b *MemoryBackend) Read(_ context.Context, offset, length uint64) ([]byte, error) {
	if offset >= uint64(len(b.data)) {
		return nil, nil
	}
	end := offset + length
	if end > uint64(len(b.data)) {
		end = uint64(len(b.data))
	}
	return bytes.Clone(b.data[offset:end]), nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// BucketBackend adapts a gocloud.dev/blob bucket + key to a Backend, so
// archives on S3, GCS, Azure Blob, or any other gocloud-supported object
// store are readable through the same reader code path as local files.
type BucketBackend struct {
	bucket *blob.Bucket
	key    string
}

// NewBucketBackend opens a gocloud bucket URL (e.g. "s3://my-bucket",
// "gs://my-bucket", "azblob://my-container") and binds it to key.
func NewBucketBackend(ctx context.Context, bucketURL, key string) (*BucketBackend, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, wrapError(KindReading, "opening bucket", err)
	}
	return &BucketBackend{bucket: bucket, key: key}, nil
}

func (b *BucketBackend) Read(ctx context.Context, offset, length uint64) ([]byte, error) {
	r, err := b.bucket.NewRangeReader(ctx, b.key, int64(offset), int64(length), nil)
	if err != nil {
		return nil, wrapError(KindReading, "bucket range read", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *BucketBackend) Close() error {
	return b.bucket.Close()
}

// NormalizeBucketKey splits a "file path" or "http(s) URL" into a bucket URL
// plus a key relative to it, the way archive locations are typically handed
// to CLI tools: "./data/tiles.pmtiles" -> ("file:///abs/data", "tiles.pmtiles").
func NormalizeBucketKey(key string) (string, string, error) {
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key, "", nil
	}
	fileProtocol := "file://"
	if string(os.PathSeparator) != "/" {
		fileProtocol += "/"
	}
	abs, err := filepath.Abs(key)
	if err != nil {
		return "", "", err
	}
	return fileProtocol + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
}

// OpenBackend resolves a local path or http(s) URL to a Backend. For plain
// object-store URLs, open a BucketBackend directly with NewBucketBackend.
func OpenBackend(ctx context.Context, location string) (Backend, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPBackend(location), nil
	}
	if strings.HasPrefix(location, "file://") {
		location = strings.TrimPrefix(location, "file://")
	}
	if !path.IsAbs(location) {
		if abs, err := filepath.Abs(location); err == nil {
			location = abs
		}
	}
	return NewFileBackend(location)
}
