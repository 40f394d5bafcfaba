// Package artifact ships heap dumps and CPU profiles produced by supervised
// processes. Files are read, base64-encoded, sent, and deleted out of band
// from the normal event flow.
package artifact

import (
	"encoding/base64"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/transport"
)

// Type is the artifact kind, also used as the outbound channel name.
type Type string

const (
	Heapdump   Type = "heapdump"
	CPUProfile Type = "cpuprofile"
)

// ResolveType picks the artifact kind. A heap dump wins when both flags are
// set; callers only invoke it when at least one of them is.
func ResolveType(heapdump, cpuprofile bool) Type {
	if heapdump {
		return Heapdump
	}
	return CPUProfile
}

// Request is the packet sent to the backend.
type Request struct {
	PMID       procmeta.PMID `json:"pm_id"`
	Name       string        `json:"name"`
	ServerName string        `json:"server_name"`
	PublicKey  string        `json:"public_key"`
	Type       Type          `json:"type"`
	Data       string        `json:"data"`
}

// FS is the subset of filesystem operations the uploader needs.
type FS interface {
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
}

type osFS struct{}

func (osFS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }
func (osFS) Remove(name string) error             { return os.Remove(name) }

// Option configures an Uploader.
type Option func(*Uploader)

// WithFS replaces the filesystem. Default: the host filesystem.
func WithFS(fs FS) Option {
	return func(u *Uploader) { u.fs = fs }
}

// Uploader transfers artifact files in the background.
type Uploader struct {
	transport   transport.Transport
	fs          FS
	machineName string
	publicKey   string
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// New creates an Uploader identifying itself with machineName and publicKey.
func New(t transport.Transport, machineName, publicKey string, logger *zap.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		transport:   t,
		fs:          osFS{},
		machineName: machineName,
		publicKey:   publicKey,
		logger:      logger.Named("artifact"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload starts the transfer of the file at path and returns immediately.
// A read failure is logged and nothing is sent; the file is only deleted
// after a successful read. Nothing is retried.
func (u *Uploader) Upload(id procmeta.PMID, name, path string, heapdump, cpuprofile bool) {
	req := Request{
		PMID:       id,
		Name:       name,
		ServerName: u.machineName,
		PublicKey:  u.publicKey,
		Type:       ResolveType(heapdump, cpuprofile),
	}
	u.logger.Debug("sending artifact", zap.String("type", string(req.Type)), zap.String("path", path))

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.transfer(req, path)
	}()
}

// Wait blocks until every started transfer has finished.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) transfer(req Request, path string) {
	content, err := u.fs.ReadFile(path)
	if err != nil {
		u.logger.Warn("reading artifact failed",
			zap.String("type", string(req.Type)), zap.String("path", path), zap.Error(err))
		return
	}

	if err := u.fs.Remove(path); err != nil {
		u.logger.Warn("removing artifact failed", zap.String("path", path), zap.Error(err))
	}

	req.Data = base64.StdEncoding.EncodeToString(content)
	if err := u.transport.Send(string(req.Type), req); err != nil {
		u.logger.Warn("sending artifact failed", zap.String("type", string(req.Type)), zap.Error(err))
	}
}
