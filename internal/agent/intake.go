package agent

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxCredentialSize = 64 * 1024

// ReadCredentials feeds JSON lines from r (typically stdin, where the
// operator pastes the registration blob) into out. Returns when r is
// exhausted. Non-JSON lines are ignored with a hint instead of being sent to
// the cloud.
func ReadCredentials(r io.Reader, out chan<- string, log *logrus.Logger) {
	lg := log.WithField("component", "intake")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCredentialSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			lg.Warn("expected a JSON registration credential, ignoring input")
			continue
		}
		out <- line
	}
	if err := scanner.Err(); err != nil {
		lg.WithError(err).Warn("credential input closed")
	}
}

// CredentialFileWatcher delivers registration credentials dropped as a file:
// the operator writes the JSON blob to a well-known path and the agent picks
// it up without a restart. The parent directory is watched because the file
// usually does not exist yet.
type CredentialFileWatcher struct {
	stop chan struct{}
	done chan error
}

func WatchCredentialFile(path string, out chan<- string, log *logrus.Logger) (*CredentialFileWatcher, error) {
	lg := log.WithField("component", "intake")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating watcher")
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watching %q", dir)
	}

	stop := make(chan struct{})
	done := make(chan error)
	go func() {
		// the file may already be waiting from before the agent started
		if raw, ok := readCredentialFile(path, lg); ok {
			select {
			case out <- raw:
			case <-stop:
				done <- watcher.Close()
				return
			}
		}
		for {
			select {
			case event := <-watcher.Events:
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				raw, ok := readCredentialFile(path, lg)
				if !ok {
					continue
				}
				// the consumer may already be gone during shutdown;
				// never park on the send or Close would hang
				select {
				case out <- raw:
				case <-stop:
					done <- watcher.Close()
					return
				}
			case err := <-watcher.Errors:
				lg.WithError(err).Warn("credential file watch error")
			case <-stop:
				done <- watcher.Close()
				return
			}
		}
	}()
	return &CredentialFileWatcher{stop: stop, done: done}, nil
}

func (w *CredentialFileWatcher) Close() error {
	close(w.stop)
	return <-w.done
}

// readCredentialFile reads and removes the credential file. Removal keeps a
// one-time credential from being replayed on the next restart.
func readCredentialFile(path string, lg *logrus.Entry) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			lg.WithError(err).Warn("failed to read credential file")
		}
		return "", false
	}
	if err := os.Remove(path); err != nil {
		lg.WithError(err).Warn("failed to remove credential file")
	}
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return "", false
	}
	lg.WithField("path", path).Info("picked up registration credential file")
	return content, true
}
