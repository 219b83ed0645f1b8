package main

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}

// compressionForPath picks the algorithm from the file extension, gzip when
// the extension is not one we know.
func compressionForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zlib":
		return "zlib"
	case ".bz2":
		return "bzip2"
	case ".snappy":
		return "snappy"
	case ".s2":
		return "s2"
	case ".zst":
		return "zstd"
	case ".zip":
		return "zip"
	default:
		return "gzip"
	}
}

// createCompressionWriter creates a compression writer based on the algorithm
// Returns the writer, a zip writer (if applicable), and an error
func createCompressionWriter(algorithm string, output io.Writer) (io.Writer, *zip.Writer, error) {
	switch algorithm {
	case "gzip":
		return gzip.NewWriter(output), nil, nil
	case "zlib":
		return zlib.NewWriter(output), nil, nil
	case "bzip2":
		writer, err := bzip2.NewWriter(output, &bzip2.WriterConfig{})
		return writer, nil, err
	case "snappy":
		return snappy.NewBufferedWriter(output), nil, nil
	case "s2":
		return s2.NewWriter(output), nil, nil
	case "zstd":
		writer, err := zstd.NewWriter(output)
		return writer, nil, err
	case "zip":
		zipWriter := zip.NewWriter(output)
		zipFile, err := zipWriter.Create("metadata")
		if err != nil {
			_ = zipWriter.Close()
			return nil, nil, fmt.Errorf("failed to create zip entry: %w", err)
		}
		return zipFile, zipWriter, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// writeCompressedFile creates outputfile and streams whatever fill writes
// through the compressor its extension selects.
func writeCompressedFile(outputfile string, fill func(io.Writer) error) error {
	algorithm := compressionForPath(outputfile)

	output, err := os.Create(outputfile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		_ = output.Close()
	}()

	cw := &countingWriter{w: output}
	compressedWriter, zipWriter, err := createCompressionWriter(algorithm, cw)
	if err != nil {
		return fmt.Errorf("failed to create compression writer: %w", err)
	}

	start := time.Now()
	raw := &countingWriter{w: compressedWriter}
	if err := fill(raw); err != nil {
		return err
	}

	if zipWriter != nil {
		if err := zipWriter.Close(); err != nil {
			return fmt.Errorf("failed to close zip writer: %w", err)
		}
	} else if wc, ok := compressedWriter.(io.WriteCloser); ok {
		if err := wc.Close(); err != nil {
			return fmt.Errorf("failed to finish %s stream: %w", algorithm, err)
		}
	}
	if err := output.Sync(); err != nil {
		return fmt.Errorf("failed to sync output file: %w", err)
	}

	compressionRatio := "N/A"
	if cw.count > 0 {
		compressionRatio = fmt.Sprintf("%.2f:1", float64(raw.count)/float64(cw.count))
	}
	log.Debugf("Written %s: %s (%d bytes) in %s, %s compression ratio %s",
		outputfile, formatBytes(cw.count), cw.count, time.Since(start).Truncate(time.Millisecond), algorithm, compressionRatio)
	return nil
}
