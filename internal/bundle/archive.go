package bundle

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/roach88/stevedore/internal/ir"
)

// CompressionLevel is fixed so that the archive bytes never depend on
// library defaults.
const CompressionLevel = gzip.BestSpeed

// MaxFileSize bounds a single archived file on Unpack.
const MaxFileSize = 1 << 30

var epoch = time.Unix(0, 0).UTC()

// Pack writes snap as a gzip-compressed tar.
//
// Entries are sorted by path, carry only permission bits, and have zeroed
// ownership and timestamps. The gzip header has no name and no mtime.
func Pack(snap ir.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, p := range snap.Paths() {
		f, _ := snap.File(p)
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     p,
			Mode:     int64(f.Mode),
			Size:     int64(len(f.Data)),
			ModTime:  epoch,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("pack %s: %w", p, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("pack %s: %w", p, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pack: close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pack: close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack reads an archive produced by Pack. Only regular files are
// accepted; directories are implicit and anything else is an error.
func Unpack(data []byte) (ir.Snapshot, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("unpack: %w", err)
	}
	defer zr.Close()

	files := map[string]ir.File{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ir.Snapshot{}, fmt.Errorf("unpack: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
		case tar.TypeDir:
			continue
		default:
			return ir.Snapshot{}, fmt.Errorf("unpack %s: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
		if hdr.Size > MaxFileSize {
			return ir.Snapshot{}, fmt.Errorf("unpack %s: file too large (%d bytes)", hdr.Name, hdr.Size)
		}
		content, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return ir.Snapshot{}, fmt.Errorf("unpack %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = ir.File{Mode: uint32(hdr.Mode), Data: content}
	}

	snap, err := ir.NewSnapshot(files)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("unpack: %w", err)
	}
	return snap, nil
}
