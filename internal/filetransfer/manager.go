// Package filetransfer implements the stateful chunked file sub-protocol:
// upload, download, list, and delete, all scoped to an allow-listed root.
package filetransfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Nsfr750/remote-control/internal/protocol"
)

// ChunkSize is the transfer unit for uploads and downloads (64 KiB).
const ChunkSize = 64 * 1024

var (
	// ErrPathNotAllowed means the path escapes the allow-listed root.
	ErrPathNotAllowed = errors.New("path outside allowed root")
	// ErrAlreadyExists means the target exists and overwrite was not set.
	ErrAlreadyExists = errors.New("target already exists")
	// ErrIntegrity means transferred bytes disagree with the declared size.
	ErrIntegrity = errors.New("transferred bytes do not match declared size")
	// ErrTransferInProgress means the connection already has an active op.
	ErrTransferInProgress = errors.New("another transfer is in progress")
	// ErrNoTransfer means a chunk or completion arrived with no active op.
	ErrNoTransfer = errors.New("no active transfer")
	// ErrResumeMismatch means the client's resume offset does not match
	// the recorded partial.
	ErrResumeMismatch = errors.New("resume offset does not match recorded partial")
	// ErrBadRequest covers structurally invalid requests.
	ErrBadRequest = errors.New("bad file transfer request")
)

// partial records an interrupted resumable upload: the surviving temp
// file and how many bytes it holds. Keyed by final target path.
type partial struct {
	tempPath string
	offset   int64
}

// ResumeLog records interrupted resumable uploads across connections.
// Process-lifetime, like the session table.
type ResumeLog struct {
	mu       sync.Mutex
	partials map[string]partial
}

func NewResumeLog() *ResumeLog {
	return &ResumeLog{partials: make(map[string]partial)}
}

func (r *ResumeLog) record(path string, p partial) {
	r.mu.Lock()
	r.partials[path] = p
	r.mu.Unlock()
}

func (r *ResumeLog) take(path string) (partial, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partials[path]
	if ok {
		delete(r.partials, path)
	}
	return p, ok
}

// operation is the connection's single active transfer.
type operation struct {
	id        string
	op        string
	path      string // validated absolute target
	tempPath  string // upload staging file
	file      *os.File
	totalSize int64
	bytes     int64
	resumable bool
}

// Manager owns one connection's file transfer state. Not shared between
// connections; the ResumeLog is.
type Manager struct {
	root   string
	resume *ResumeLog

	mu     sync.Mutex
	active *operation
}

// NewManager creates a manager rooted at root. The root itself must exist.
func NewManager(root string, resume *ResumeLog) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("transfer root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("transfer root %s is not a directory", abs)
	}
	if resume == nil {
		resume = NewResumeLog()
	}
	return &Manager{root: abs, resume: resume}, nil
}

// resolve canonicalizes a client-supplied path and enforces that it stays
// inside the root. Symlinks in already-existing ancestors are resolved so
// a link inside the root cannot point the operation outside it.
func (m *Manager) resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadRequest)
	}
	candidate := filepath.Join(m.root, filepath.FromSlash(p))

	rel, err := filepath.Rel(m.root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathNotAllowed, p)
	}

	// Walk up to the nearest existing ancestor and resolve its symlinks.
	existing := candidate
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err == nil && resolved != existing {
		if !strings.HasPrefix(resolved+string(filepath.Separator), m.root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q resolves outside root", ErrPathNotAllowed, p)
		}
	}
	return candidate, nil
}

// StartUpload begins a chunked upload. With Resume set and a recorded
// partial whose offset matches the request, writing continues from the
// recorded offset; otherwise resume requests are rejected.
func (m *Manager) StartUpload(req protocol.FileTransferRequest) (protocol.FileTransferResponse, error) {
	if req.Size < 0 {
		return failure(req, ErrBadRequest), ErrBadRequest
	}
	target, err := m.resolve(req.Path)
	if err != nil {
		return failure(req, err), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return failure(req, ErrTransferInProgress), ErrTransferInProgress
	}

	if _, err := os.Lstat(target); err == nil && !req.Overwrite {
		return failure(req, ErrAlreadyExists), ErrAlreadyExists
	}

	op := &operation{
		id:        uuid.NewString(),
		op:        protocol.FileOpUpload,
		path:      target,
		totalSize: req.Size,
		resumable: req.Resume,
	}

	if req.Resume && req.Offset > 0 {
		p, ok := m.resume.take(target)
		if !ok || p.offset != req.Offset {
			if ok {
				os.Remove(p.tempPath)
			}
			return failure(req, ErrResumeMismatch), ErrResumeMismatch
		}
		f, err := os.OpenFile(p.tempPath, os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return failure(req, err), err
		}
		op.tempPath = p.tempPath
		op.file = f
		op.bytes = p.offset
	} else {
		// A fresh upload supersedes any recorded partial for this target.
		if p, ok := m.resume.take(target); ok {
			os.Remove(p.tempPath)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return failure(req, err), err
		}
		temp := filepath.Join(filepath.Dir(target), ".upload-"+op.id)
		f, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return failure(req, err), err
		}
		op.tempPath = temp
		op.file = f
	}

	m.active = op
	return protocol.FileTransferResponse{
		Op:     protocol.FileOpUpload,
		ID:     op.id,
		Status: protocol.StatusOK,
		Offset: op.bytes,
	}, nil
}

// WriteChunk appends one chunk to the active upload. Chunks must arrive
// in order: the request offset has to equal the bytes written so far.
func (m *Manager) WriteChunk(req protocol.FileTransferRequest) (protocol.FileTransferResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := m.active
	if op == nil || op.op != protocol.FileOpUpload || req.ID != op.id {
		return failure(req, ErrNoTransfer), ErrNoTransfer
	}
	if req.Offset != op.bytes {
		err := fmt.Errorf("%w: chunk offset %d, expected %d", ErrIntegrity, req.Offset, op.bytes)
		m.discardLocked()
		return failure(req, err), err
	}
	if op.bytes+int64(len(req.Data)) > op.totalSize {
		err := fmt.Errorf("%w: chunk overruns declared size %d", ErrIntegrity, op.totalSize)
		m.discardLocked()
		return failure(req, err), err
	}

	if _, err := op.file.Write(req.Data); err != nil {
		m.discardLocked()
		return failure(req, err), err
	}
	op.bytes += int64(len(req.Data))

	return protocol.FileTransferResponse{
		Op:     protocol.FileOpChunk,
		ID:     op.id,
		Status: protocol.StatusOK,
		Offset: op.bytes,
	}, nil
}

// Complete finishes the active upload: sizes must agree, then the staged
// file is moved to its final name. Nothing is visible under the final
// name before this point.
func (m *Manager) Complete(req protocol.FileTransferRequest) (protocol.FileTransferResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := m.active
	if op == nil || op.op != protocol.FileOpUpload || req.ID != op.id {
		return failure(req, ErrNoTransfer), ErrNoTransfer
	}
	if op.bytes != op.totalSize {
		err := fmt.Errorf("%w: received %d of %d bytes", ErrIntegrity, op.bytes, op.totalSize)
		m.discardLocked()
		return failure(req, err), err
	}

	if err := op.file.Close(); err != nil {
		m.discardLocked()
		return failure(req, err), err
	}
	if err := os.Rename(op.tempPath, op.path); err != nil {
		os.Remove(op.tempPath)
		m.active = nil
		return failure(req, err), err
	}
	m.active = nil

	return protocol.FileTransferResponse{
		Op:     protocol.FileOpComplete,
		ID:     op.id,
		Status: protocol.StatusOK,
		Size:   op.bytes,
	}, nil
}

// Abort cancels the active transfer and discards staged data.
func (m *Manager) Abort(req protocol.FileTransferRequest) (protocol.FileTransferResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return failure(req, ErrNoTransfer), ErrNoTransfer
	}
	id := m.active.id
	m.discardLocked()
	return protocol.FileTransferResponse{
		Op:     protocol.FileOpAbort,
		ID:     id,
		Status: protocol.StatusOK,
	}, nil
}

// Download opens a file for chunked reading from the requested offset.
// The returned stream's Next yields consecutive chunks until io.EOF; the
// caller must Close it.
func (m *Manager) Download(req protocol.FileTransferRequest) (*Download, protocol.FileTransferResponse, error) {
	target, err := m.resolve(req.Path)
	if err != nil {
		return nil, failure(req, err), err
	}

	m.mu.Lock()
	busy := m.active != nil
	m.mu.Unlock()
	if busy {
		return nil, failure(req, ErrTransferInProgress), ErrTransferInProgress
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, failure(req, err), err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		if err == nil {
			err = fmt.Errorf("%w: %q is a directory", ErrBadRequest, req.Path)
		}
		return nil, failure(req, err), err
	}
	if req.Offset > 0 {
		if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, failure(req, err), err
		}
	}

	dl := &Download{
		ID:     uuid.NewString(),
		file:   f,
		offset: req.Offset,
	}
	return dl, protocol.FileTransferResponse{
		Op:     protocol.FileOpDownload,
		ID:     dl.ID,
		Status: protocol.StatusOK,
		Size:   info.Size(),
		Offset: req.Offset,
	}, nil
}

// List returns directory entries for a path inside the root.
func (m *Manager) List(req protocol.FileTransferRequest) (protocol.FileTransferResponse, error) {
	target, err := m.resolve(req.Path)
	if err != nil {
		return failure(req, err), err
	}
	dirents, err := os.ReadDir(target)
	if err != nil {
		return failure(req, err), err
	}

	entries := make([]protocol.FileEntry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue // entry vanished between readdir and stat
		}
		entries = append(entries, protocol.FileEntry{
			Name:     de.Name(),
			Size:     info.Size(),
			Mode:     info.Mode().String(),
			Modified: info.ModTime().Unix(),
			IsDir:    de.IsDir(),
		})
	}
	return protocol.FileTransferResponse{
		Op:      protocol.FileOpList,
		Status:  protocol.StatusOK,
		Entries: entries,
	}, nil
}

// Delete removes a single file inside the root. Directories are refused.
func (m *Manager) Delete(req protocol.FileTransferRequest) (protocol.FileTransferResponse, error) {
	target, err := m.resolve(req.Path)
	if err != nil {
		return failure(req, err), err
	}
	info, err := os.Lstat(target)
	if err != nil {
		return failure(req, err), err
	}
	if info.IsDir() {
		err := fmt.Errorf("%w: refusing to delete directory %q", ErrBadRequest, req.Path)
		return failure(req, err), err
	}
	if err := os.Remove(target); err != nil {
		return failure(req, err), err
	}
	return protocol.FileTransferResponse{
		Op:     protocol.FileOpDelete,
		Status: protocol.StatusOK,
	}, nil
}

// Cleanup runs on connection teardown. A resumable upload's staged bytes
// are recorded for a later resume; anything else is discarded so no
// partial file survives under any name the client could observe.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.active
	if op == nil {
		return
	}
	if op.op == protocol.FileOpUpload && op.resumable && op.bytes > 0 {
		op.file.Close()
		m.resume.record(op.path, partial{tempPath: op.tempPath, offset: op.bytes})
		m.active = nil
		return
	}
	m.discardLocked()
}

// discardLocked drops the active operation and removes its staged file.
func (m *Manager) discardLocked() {
	op := m.active
	if op == nil {
		return
	}
	if op.file != nil {
		op.file.Close()
	}
	if op.tempPath != "" {
		os.Remove(op.tempPath)
	}
	m.active = nil
}

// Download streams a file to the client in ChunkSize pieces.
type Download struct {
	ID     string
	file   *os.File
	offset int64
}

// Next returns the next chunk and its offset. io.EOF signals completion.
func (d *Download) Next() ([]byte, int64, error) {
	buf := make([]byte, ChunkSize)
	n, err := d.file.Read(buf)
	if n > 0 {
		off := d.offset
		d.offset += int64(n)
		return buf[:n], off, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, d.offset, err
}

// Close releases the underlying file.
func (d *Download) Close() error {
	return d.file.Close()
}

// failure builds the error response for a failed request, mapping the
// manager's sentinels to wire error codes.
func failure(req protocol.FileTransferRequest, err error) protocol.FileTransferResponse {
	return protocol.FileTransferResponse{
		Op:      req.Op,
		ID:      req.ID,
		Status:  protocol.StatusError,
		Code:    CodeFor(err),
		Message: err.Error(),
	}
}

// CodeFor maps a transfer error to its wire error code.
func CodeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrPathNotAllowed):
		return protocol.CodePathNotAllowed
	case errors.Is(err, ErrAlreadyExists):
		return protocol.CodeAlreadyExists
	case errors.Is(err, ErrIntegrity):
		return protocol.CodeIntegrityError
	case errors.Is(err, ErrTransferInProgress):
		return protocol.CodeTransferInProgress
	default:
		return protocol.CodeTransferFailed
	}
}
