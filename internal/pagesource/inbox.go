package pagesource

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stampd/internal/config"
)

// IngestEvent is a PDF that appeared in the inbox and stayed stable
// long enough to pick up.
type IngestEvent struct {
	Path      string
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

// DocumentIDFromHash derives the deterministic document id for an
// ingested file. Re-dropping the same PDF lands on the same id, which
// keeps intake idempotent.
func DocumentIDFromHash(hash [32]byte) string {
	return hex.EncodeToString(hash[:16])
}

// Inbox watches a directory for incoming PDFs. A file is only emitted
// once it has stopped changing for the configured debounce window, so
// half-copied documents never reach intake.
type Inbox struct {
	fsWatcher *fsnotify.Watcher
	cfg       config.InboxConfig
	debounce  time.Duration
	log       *slog.Logger

	// path -> last modification time
	state   map[string]time.Time
	stateMu sync.RWMutex

	events chan IngestEvent
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewInbox creates an inbox watcher for cfg.Path. A nil logger falls
// back to slog.Default.
func NewInbox(cfg config.InboxConfig, log *slog.Logger) (*Inbox, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	debounce := time.Duration(cfg.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = time.Second
	}

	return &Inbox{
		fsWatcher: fsWatcher,
		cfg:       cfg,
		debounce:  debounce,
		log:       log,
		state:     make(map[string]time.Time),
		events:    make(chan IngestEvent, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of stable-file events.
func (in *Inbox) Events() <-chan IngestEvent {
	return in.events
}

// Errors returns the channel of watch errors.
func (in *Inbox) Errors() <-chan error {
	return in.errors
}

// Start begins watching. Files already sitting in the inbox are
// tracked so a restart does not strand them.
func (in *Inbox) Start() error {
	root, err := filepath.Abs(in.cfg.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}

	if err := in.addWatches(root); err != nil {
		return err
	}

	in.wg.Add(2)
	go in.eventLoop()
	go in.debounceLoop()
	return nil
}

func (in *Inbox) addWatches(root string) error {
	if err := in.fsWatcher.Add(root); err != nil {
		return err
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root {
				if !in.cfg.Recursive {
					return filepath.SkipDir
				}
				if err := in.fsWatcher.Add(path); err != nil {
					return err
				}
			}
			return nil
		}
		if in.accepts(path) {
			in.trackFile(path)
		}
		return nil
	})
}

// Stop shuts the watcher down and closes the event channels.
func (in *Inbox) Stop() error {
	close(in.done)
	in.wg.Wait()
	close(in.events)
	close(in.errors)
	return in.fsWatcher.Close()
}

// TrackedFiles returns the number of files waiting to stabilize.
func (in *Inbox) TrackedFiles() int {
	in.stateMu.RLock()
	defer in.stateMu.RUnlock()
	return len(in.state)
}

// accepts applies the include and exclude patterns to the base name.
// With no include patterns configured, only .pdf files pass.
func (in *Inbox) accepts(path string) bool {
	name := filepath.Base(path)

	for _, pat := range in.cfg.ExcludePatterns {
		if ok, _ := filepath.Match(pat, name); ok {
			return false
		}
	}

	if len(in.cfg.IncludePatterns) == 0 {
		return strings.EqualFold(filepath.Ext(name), ".pdf")
	}
	for _, pat := range in.cfg.IncludePatterns {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

func (in *Inbox) trackFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	in.stateMu.Lock()
	in.state[path] = info.ModTime()
	in.stateMu.Unlock()
}

func (in *Inbox) eventLoop() {
	defer in.wg.Done()

	for {
		select {
		case <-in.done:
			return

		case event, ok := <-in.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if in.cfg.Recursive && event.Op&fsnotify.Create != 0 {
					if err := in.fsWatcher.Add(event.Name); err != nil {
						in.log.Warn("watch new directory", "path", event.Name, "error", err)
					}
				}
				continue
			}
			if !in.accepts(event.Name) {
				continue
			}

			in.stateMu.Lock()
			in.state[event.Name] = time.Now()
			in.stateMu.Unlock()

		case err, ok := <-in.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case in.errors <- err:
			default:
			}
		}
	}
}

func (in *Inbox) debounceLoop() {
	defer in.wg.Done()

	// Poll at a quarter of the debounce so short windows still settle
	// promptly.
	tick := in.debounce / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-in.done:
			return
		case now := <-ticker.C:
			in.emitStableFiles(now)
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// emitStableFiles finds files quiet past the debounce window, hashes
// them outside the lock, and emits them unless they changed while
// being hashed.
func (in *Inbox) emitStableFiles(now time.Time) {
	threshold := now.Add(-in.debounce)

	var stable []stableFile
	in.stateMu.RLock()
	for path, lastMod := range in.state {
		if lastMod.Before(threshold) {
			stable = append(stable, stableFile{path: path, lastMod: lastMod})
		}
	}
	in.stateMu.RUnlock()

	if len(stable) == 0 {
		return
	}

	type hashResult struct {
		stableFile
		hash [32]byte
		size int64
		err  error
	}
	results := make([]hashResult, len(stable))
	for i, sf := range stable {
		hash, size, err := HashFile(sf.path)
		results[i] = hashResult{stableFile: sf, hash: hash, size: size, err: err}
	}

	in.stateMu.Lock()
	defer in.stateMu.Unlock()

	for _, r := range results {
		if r.err != nil {
			// The file may have been moved out from under us; drop it
			// from tracking either way.
			delete(in.state, r.path)
			select {
			case in.errors <- r.err:
			default:
			}
			continue
		}

		lastMod, exists := in.state[r.path]
		if !exists {
			continue
		}
		if lastMod != r.lastMod {
			// Changed while hashing; let it stabilize again.
			continue
		}

		if in.cfg.MaxFileSize > 0 && r.size > in.cfg.MaxFileSize {
			in.log.Warn("inbox file exceeds size cap, skipping",
				"path", r.path,
				"size", r.size,
				"max", in.cfg.MaxFileSize)
			delete(in.state, r.path)
			continue
		}

		select {
		case in.events <- IngestEvent{
			Path:      r.path,
			Hash:      r.hash,
			Size:      r.size,
			Timestamp: now,
		}:
			delete(in.state, r.path)
		default:
			// Channel full; retry on the next tick.
		}
	}
}

// HashFile streams a file through SHA-256.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}
