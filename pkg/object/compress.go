package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the codec applied to a StringObj's text.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionDeflate
	CompressionZstd
	CompressionSnappy
	CompressionLZ4
	CompressionBrotli
)

var compressionNames = []string{"NONE", "GZIP", "DEFLATE", "ZSTD", "SNAPPY", "LZ4", "BROTLI"}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

// ErrUnsupportedCompression is returned for unknown codecs.
var ErrUnsupportedCompression = errors.New("unsupported compression")

// Compress applies c to data.
func Compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return compressZstd(data)
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionGzip:
		return compressStream(data, func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		})
	case CompressionDeflate:
		return compressStream(data, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, flate.DefaultCompression)
		})
	case CompressionLZ4:
		return compressStream(data, func(w io.Writer) (io.WriteCloser, error) {
			return lz4.NewWriter(w), nil
		})
	case CompressionBrotli:
		return compressStream(data, func(w io.Writer) (io.WriteCloser, error) {
			return brotli.NewWriter(w), nil
		})
	default:
		return nil, fmt.Errorf("compress %s: %w", c, ErrUnsupportedCompression)
	}
}

// Decompress undoes Compress.
func Decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return decompressZstd(data)
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return io.ReadAll(r)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CompressionBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("decompress %s: %w", c, ErrUnsupportedCompression)
	}
}

// NewString builds a sealed StringObj holding text compressed with c.
func NewString(contentType string, c Compression, filename *string, predecessors []ObjID, text []byte) (*StringObj, error) {
	compressed, err := Compress(c, text)
	if err != nil {
		return nil, err
	}
	s := &StringObj{
		ContentType:  contentType,
		Compression:  c,
		Filename:     filename,
		Predecessors: predecessors,
		Text:         compressed,
	}
	if err := Seal(s); err != nil {
		return nil, err
	}
	return s, nil
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func compressStream(data []byte, open func(io.Writer) (io.WriteCloser, error)) ([]byte, error) {
	var buf bytes.Buffer
	w, err := open(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
