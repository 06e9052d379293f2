package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("telelink/auth")

// FileSource reads the credential from a JSON token file that an external
// agent rotates in place (the host application, a sidecar, a login helper).
// The file is re-read whenever fsnotify reports a write or rename in its
// directory, so an out-of-band rotation becomes visible without polling.
// Renew() forces a re-read — with file-based rotation, "renewal" means
// picking up whatever the external agent last wrote.
type FileSource struct {
	path string

	mu   sync.Mutex
	cred Credential

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileSource loads the token file at path and starts watching it.
// Close must be called to release the watcher.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("auth: watch token file: %w", err)
	}
	// Watch the directory, not the file: rotations usually replace the
	// file by rename, which drops a direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("auth: watch token dir: %w", err)
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

func (s *FileSource) Credential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *FileSource) Renew(ctx context.Context) (Credential, error) {
	if err := s.reload(); err != nil {
		return Credential{}, err
	}
	cred := s.Credential()
	if !cred.Valid() {
		return Credential{}, fmt.Errorf("%w: token file %s holds an expired credential", ErrRenewFailed, s.path)
	}
	return cred, nil
}

// Close stops the file watcher. Idempotent.
func (s *FileSource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: read token file: %v", ErrRenewFailed, err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return fmt.Errorf("%w: parse token file %s: %v", ErrRenewFailed, s.path, err)
	}

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return nil
}

func (s *FileSource) watchLoop() {
	base := filepath.Base(s.path)
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != base {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				log.Warnf("token file reload: %v", err)
				continue
			}
			log.Debugf("token file %s reloaded", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("token watcher: %v", err)
		}
	}
}
