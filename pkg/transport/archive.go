package transport

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"

	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/protocol"
)

const archiveDeflateLevel = 6

func init() {
	// Register klauspost/compress's faster deflate implementation as the
	// ZIP deflate compressor, bit-exact with the stdlib one but faster.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, archiveDeflateLevel)
	})
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// ArchiveDelegator implements DelegatorTransport for the archive kind:
// ZIP the environment root, inline it (or chunk it) into the TransportHandle.
type ArchiveDelegator struct {
	// ChunkThreshold, if > 0, forces chunked mode for archives at least this
	// many bytes; 0 disables chunking (always inline base64).
	ChunkThreshold int64
	chunkSize      int64

	mu      sync.Mutex
	pending map[string][][]byte // delegationId -> chunks awaiting upload, executor side only in tests
}

// NewArchiveDelegator constructs the delegator-side archive transport.
func NewArchiveDelegator(chunkThreshold, chunkSize int64) *ArchiveDelegator {
	return &ArchiveDelegator{ChunkThreshold: chunkThreshold, chunkSize: chunkSize, pending: make(map[string][][]byte)}
}

func (a *ArchiveDelegator) Kind() protocol.TransportKind { return protocol.TransportArchive }

func (a *ArchiveDelegator) Capabilities() Capabilities {
	return Capabilities{LiveSync: false, SupportsSnapshots: true, Chunked: true}
}

// Prepare builds the ZIP archive of params.EnvRoot and returns a handle.
func (a *ArchiveDelegator) Prepare(ctx context.Context, params PrepareParams) (protocol.TransportHandleEnvelope, error) {
	data, err := BuildArchive(params.EnvRoot)
	if err != nil {
		return protocol.TransportHandleEnvelope{}, protocol.NewError(protocol.ErrTransportError, err.Error(), "failed to build archive")
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	if a.ChunkThreshold > 0 && int64(len(data)) >= a.ChunkThreshold {
		chunks := chunkBytes(data, a.chunkSize)
		a.mu.Lock()
		a.pending[params.DelegationID] = chunks
		a.mu.Unlock()

		return protocol.TransportHandleEnvelope{
			Transport:  protocol.TransportArchive,
			Chunked:    true,
			ChunkCount: len(chunks),
			SHA256:     checksum,
		}, nil
	}

	return protocol.TransportHandleEnvelope{
		Transport:     protocol.TransportArchive,
		ArchiveBase64: base64.StdEncoding.EncodeToString(data),
		SHA256:        checksum,
	}, nil
}

// ApplySnapshot extracts snapshotBytes (a ZIP archive) into each rw
// resource's source path.
func (a *ArchiveDelegator) ApplySnapshot(ctx context.Context, delegationID string, snapshotBytes []byte, resources []Resource) error {
	rw := map[string]string{}
	for _, r := range resources {
		if r.Mode == protocol.AccessReadWrite {
			rw[r.Name] = r.Source
		}
	}
	if len(rw) == 0 {
		return nil
	}

	zr, err := zip.NewReader(bytes.NewReader(snapshotBytes), int64(len(snapshotBytes)))
	if err != nil {
		return protocol.NewError(protocol.ErrTransportError, err.Error(), "snapshot is not a valid archive")
	}

	for _, f := range zr.File {
		if f.Name == ".awcp" || strings.HasPrefix(f.Name, ".awcp/") {
			continue
		}
		top, rest, _ := splitFirst(f.Name)
		target, ok := rw[top]
		if !ok {
			continue
		}
		if err := extractEntry(f, target, rest); err != nil {
			return fmt.Errorf("transport: applying snapshot entry %s: %w", f.Name, err)
		}
	}
	log.WithDelegationID(delegationID).Info().Msg("archive snapshot applied")
	return nil
}

// Release discards any pending chunk state for delegationID.
func (a *ArchiveDelegator) Release(ctx context.Context, delegationID string) error {
	a.mu.Lock()
	delete(a.pending, delegationID)
	a.mu.Unlock()
	return nil
}

// ArchiveExecutor implements ExecutorTransport for the archive kind.
type ArchiveExecutor struct {
	mu     sync.Mutex
	chunks map[string][][]byte // delegationId -> received chunks, indexed by position
}

// NewArchiveExecutor constructs the executor-side archive transport.
func NewArchiveExecutor() *ArchiveExecutor {
	return &ArchiveExecutor{chunks: make(map[string][][]byte)}
}

func (a *ArchiveExecutor) Kind() protocol.TransportKind { return protocol.TransportArchive }

func (a *ArchiveExecutor) Capabilities() Capabilities {
	return Capabilities{LiveSync: false, SupportsSnapshots: true, Chunked: true}
}

// ReceiveChunk records one chunk body for a chunked handle, called from the
// POST /awcp/chunks/:id/:index handler.
func (a *ArchiveExecutor) ReceiveChunk(delegationID string, index int, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	chunks := a.chunks[delegationID]
	for len(chunks) <= index {
		chunks = append(chunks, nil)
	}
	chunks[index] = data
	a.chunks[delegationID] = chunks
}

// Setup assembles the archive (inline or from received chunks), verifies
// its checksum, and extracts it into workPath.
func (a *ArchiveExecutor) Setup(ctx context.Context, delegationID string, handle protocol.TransportHandleEnvelope, workPath string) (string, error) {
	var data []byte
	if handle.Chunked {
		a.mu.Lock()
		chunks := a.chunks[delegationID]
		a.mu.Unlock()
		if len(chunks) != handle.ChunkCount {
			return "", protocol.NewError(protocol.ErrTransportError, "incomplete chunk set", "")
		}
		for _, c := range chunks {
			if c == nil {
				return "", protocol.NewError(protocol.ErrTransportError, "missing chunk", "")
			}
			data = append(data, c...)
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(handle.ArchiveBase64)
		if err != nil {
			return "", protocol.NewError(protocol.ErrTransportError, err.Error(), "invalid base64 archive")
		}
		data = decoded
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != handle.SHA256 {
		return "", protocol.NewError(protocol.ErrChecksumMismatch, "archive checksum mismatch", "")
	}

	if err := ExtractArchive(data, workPath); err != nil {
		return "", protocol.NewError(protocol.ErrTransportError, err.Error(), "failed to extract archive")
	}
	return workPath, nil
}

// CaptureSnapshot re-archives workPath.
func (a *ArchiveExecutor) CaptureSnapshot(ctx context.Context, delegationID string, workPath string) (string, error) {
	data, err := BuildArchive(workPath)
	if err != nil {
		return "", protocol.NewError(protocol.ErrTransportError, err.Error(), "failed to capture snapshot")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Release drops any chunk state retained for delegationID.
func (a *ArchiveExecutor) Release(ctx context.Context, delegationID string, workPath string) error {
	a.mu.Lock()
	delete(a.chunks, delegationID)
	a.mu.Unlock()
	return nil
}

// BuildArchive zips every file under root matched by "**/*" (doublestar,
// dotfiles included), dereferencing symlinks, excluding .awcp/**.
func BuildArchive(root string) ([]byte, error) {
	matches, err := doublestar.Glob(os.DirFS(root), "**/*")
	if err != nil {
		return nil, fmt.Errorf("archive: globbing %s: %w", root, err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, rel := range matches {
		if rel == ".awcp" || strings.HasPrefix(rel, ".awcp/") {
			continue
		}
		full := filepath.Join(root, rel)
		info, err := os.Stat(full) // Stat, not Lstat: dereference symlinks
		if err != nil {
			return nil, fmt.Errorf("archive: stat %s: %w", full, err)
		}
		if info.IsDir() {
			continue
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return nil, err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(full)
		if err != nil {
			return nil, err
		}
		_, copyErr := io.Copy(w, f)
		f.Close()
		if copyErr != nil {
			return nil, copyErr
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractArchive unzips data into dst, preserving file modes and refusing
// to write outside dst (zip-slip guard). Every entry is written as a regular
// file; symlink entries are not recreated as links (BuildArchive never
// produces them, since it dereferences symlinks).
func ExtractArchive(data []byte, dst string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		if err := extractEntry(f, dst, f.Name); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dstRoot, relName string) error {
	target := filepath.Join(dstRoot, relName)
	if !strings.HasPrefix(target, filepath.Clean(dstRoot)+string(os.PathSeparator)) && target != filepath.Clean(dstRoot) {
		return fmt.Errorf("archive: illegal path escapes destination: %s", relName)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func chunkBytes(data []byte, size int64) [][]byte {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	var chunks [][]byte
	for int64(len(data)) > 0 {
		n := size
		if int64(len(data)) < n {
			n = int64(len(data))
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func splitFirst(path string) (first, rest string, ok bool) {
	for i, c := range path {
		if c == '/' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}
