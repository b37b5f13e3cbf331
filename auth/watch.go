package auth

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// TokenFile keeps a broker's access token fresh from a file on disk. The
// login flow rewrites the file when the daily token rotates; TokenFile
// watches for that rewrite and pushes the new token into the Store, so the
// running feed picks it up on the next Initialize/Reconnect without a
// restart.
type TokenFile struct {
	path    string
	broker  string
	store   *Store
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchTokenFile loads the token at path into store and starts watching the
// file for rewrites.
func WatchTokenFile(path, broker string, store *Store, logger *slog.Logger) (*TokenFile, error) {
	tf := &TokenFile{
		path:   filepath.Clean(path),
		broker: broker,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := tf.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: editors and atomic writers replace
	// the file by rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(tf.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(tf.path), err)
	}
	tf.watcher = watcher

	go tf.loop()
	return tf, nil
}

// Close stops watching. It is safe to call once.
func (tf *TokenFile) Close() error {
	close(tf.done)
	return tf.watcher.Close()
}

func (tf *TokenFile) loop() {
	for {
		select {
		case <-tf.done:
			return
		case event, ok := <-tf.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != tf.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := tf.reload(); err != nil {
				tf.logger.Error("Failed to reload token file", "path", tf.path, "error", err)
				continue
			}
			tf.logger.Info("Access token reloaded from file", "path", tf.path, "broker", tf.broker)
		case err, ok := <-tf.watcher.Errors:
			if !ok {
				return
			}
			tf.logger.Error("Token file watcher error", "error", err)
		}
	}
}

// reload reads the token file and stores its contents.
func (tf *TokenFile) reload() error {
	data, err := os.ReadFile(tf.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file %s is empty", tf.path)
	}
	tf.store.Set(tf.broker, Entry{AccessToken: token})
	return nil
}
