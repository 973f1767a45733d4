package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
)

const metaSuffix = ".meta"

// FileFSStore chunk store backed by the local filesystem. One scratch file
// per session id plus a JSON metadata sidecar, all under rootDir.
type FileFSStore struct {
	rootDir string
}

// SetupFSStore creates the scratch directory and installs the FS store as
// the process-wide chunk store.
func SetupFSStore(rootDir string) (ChunkStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, err
	}
	fileStore = &FileFSStore{rootDir: rootDir}
	return fileStore, nil
}

func (fs *FileFSStore) sessionPath(id string) string {
	return filepath.Join(fs.rootDir, id)
}

func (fs *FileFSStore) Create(id string, meta *SessionMeta) error {
	if avail := fs.getAvailableSize(); avail >= 0 && avail < config.Configuration.MinDiskSpace+meta.DeclaredLength {
		return common.NewError("disk_full", "Not enough space on the scratch volume to accept the upload")
	}

	f, err := os.OpenFile(fs.sessionPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return common.NewErrorf("write_error", "Failed to allocate scratch file: %v", err)
	}
	f.Close()

	return fs.writeMeta(id, meta)
}

func (fs *FileFSStore) writeMeta(id string, meta *SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fs.sessionPath(id)+metaSuffix, data, 0644); err != nil {
		return common.NewErrorf("write_error", "Failed to write metadata sidecar: %v", err)
	}
	return nil
}

func (fs *FileFSStore) ReadMeta(id string) (*SessionMeta, error) {
	data, err := os.ReadFile(fs.sessionPath(id) + metaSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, common.NewError("session_not_found", "No metadata sidecar for the session")
		}
		return nil, common.NewErrorf("read_error", "Failed to read metadata sidecar: %v", err)
	}
	meta := &SessionMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, common.NewErrorf("read_error", "Corrupt metadata sidecar: %v", err)
	}
	return meta, nil
}

func (fs *FileFSStore) WriteChunk(ctx context.Context, id string, offset int64, src io.Reader) (int64, error) {
	if !fs.Exists(id) {
		return 0, common.NewError("session_not_found", "No scratch file for the session")
	}

	writer, err := NewChunkWriter(fs.sessionPath(id))
	if err != nil {
		return 0, common.NewErrorf("write_error", "Failed to open scratch file: %v", err)
	}
	defer writer.Close()

	n, err := writer.WriteChunk(ctx, offset, src)
	if err != nil {
		return n, common.NewErrorf("write_error", "Failed to append chunk: %v", err)
	}
	return n, nil
}

func (fs *FileFSStore) Open(id string) (io.ReadCloser, int64, error) {
	fi, err := os.Stat(fs.sessionPath(id))
	if err != nil {
		return nil, 0, common.NewErrorf("read_error", "Scratch bytes are missing: %v", err)
	}
	f, err := os.Open(fs.sessionPath(id))
	if err != nil {
		return nil, 0, common.NewErrorf("read_error", "Failed to open scratch file: %v", err)
	}
	return f, fi.Size(), nil
}

func (fs *FileFSStore) Size(id string) (int64, error) {
	fi, err := os.Stat(fs.sessionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, common.NewError("session_not_found", "No scratch file for the session")
		}
		return 0, err
	}
	return fi.Size(), nil
}

func (fs *FileFSStore) Exists(id string) bool {
	_, err := os.Stat(fs.sessionPath(id))
	return err == nil
}

func (fs *FileFSStore) Delete(id string) error {
	if err := os.Remove(fs.sessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return common.NewErrorf("write_error", "Failed to delete scratch file: %v", err)
	}
	if err := os.Remove(fs.sessionPath(id) + metaSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return common.NewErrorf("write_error", "Failed to delete metadata sidecar: %v", err)
	}
	return nil
}

// getAvailableSize free bytes on the scratch volume, -1 when statfs fails.
func (fs *FileFSStore) getAvailableSize() int64 {
	var volStat unix.Statfs_t
	if err := unix.Statfs(fs.rootDir, &volStat); err != nil {
		logging.Logger.Error("getAvailableSize() unix.Statfs failed: " + err.Error())
		return -1
	}
	return int64(volStat.Bavail) * volStat.Bsize
}
