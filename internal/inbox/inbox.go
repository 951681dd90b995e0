// Package inbox watches a drop folder and imports finished audio and video
// files into the shared library.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/util"
)

var log = logging.Logger("inbox")

// DoneDir receives imported files so a restart does not import them again.
const DoneDir = "imported"

var ErrNotMedia = errors.New("inbox: not an audio or video file")

// File is a settled drop-folder file.
type File struct {
	Path     string
	Name     string
	Title    string
	MimeType string
	Data     []byte
}

type Importer interface {
	Import(ctx context.Context, f File) error
}

// ImporterFunc adapts a plain function to Importer.
type ImporterFunc func(ctx context.Context, f File) error

func (fn ImporterFunc) Import(ctx context.Context, f File) error { return fn(ctx, f) }

type Options struct {
	// Settle is how long a file must stay unchanged before it is read.
	Settle  time.Duration
	MaxSize int64
}

type Watcher struct {
	dir  string
	imp  Importer
	opts Options
	fw   *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingFile
	ready   chan string
	done    chan struct{}
}

type pendingFile struct {
	timer *time.Timer
	size  int64
}

func New(dir string, imp Importer, opts Options) (*Watcher, error) {
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 2 << 30
	}
	if err := os.MkdirAll(filepath.Join(dir, DoneDir), 0755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}
	return &Watcher{
		dir:     dir,
		imp:     imp,
		opts:    opts,
		fw:      fw,
		pending: make(map[string]*pendingFile),
		ready:   make(chan string, 64),
		done:    make(chan struct{}),
	}, nil
}

// Run imports files already in the folder, then every file that appears,
// until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.touch(filepath.Join(w.dir, e.Name()))
		}
	}
	log.Infof("watching %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.touch(ev.Name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.forget(ev.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher: %v", err)
		case path := <-w.ready:
			if err := w.importFile(ctx, path); err != nil {
				log.Warnf("import %s: %v", filepath.Base(path), err)
			}
		}
	}
}

func (w *Watcher) stop() {
	close(w.done)
	_ = w.fw.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, pf := range w.pending {
		pf.timer.Stop()
		delete(w.pending, p)
	}
}

func skip(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".crdownload")
}

// touch (re)starts the settle timer for path.
func (w *Watcher) touch(path string) {
	if skip(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if pf, ok := w.pending[path]; ok {
		pf.timer.Reset(w.opts.Settle)
		return
	}
	pf := &pendingFile{size: -1}
	pf.timer = time.AfterFunc(w.opts.Settle, func() { w.check(path) })
	w.pending[path] = pf
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pf, ok := w.pending[path]; ok {
		pf.timer.Stop()
		delete(w.pending, path)
	}
}

// check hands path to Run once its size stopped changing.
func (w *Watcher) check(path string) {
	fi, err := os.Stat(path)
	w.mu.Lock()
	pf, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	if err != nil || fi.IsDir() {
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}
	if fi.Size() != pf.size {
		pf.size = fi.Size()
		pf.timer.Reset(w.opts.Settle)
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case w.ready <- path:
	case <-w.done:
	}
}

func (w *Watcher) importFile(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() > w.opts.MaxSize {
		return fmt.Errorf("file is %d bytes, limit is %d", fi.Size(), w.opts.MaxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	mt := util.ContentType(name, data)
	if !strings.HasPrefix(mt, "audio/") && !strings.HasPrefix(mt, "video/") {
		return fmt.Errorf("%w: %s", ErrNotMedia, mt)
	}
	f := File{
		Path:     path,
		Name:     name,
		Title:    strings.TrimSuffix(name, filepath.Ext(name)),
		MimeType: mt,
		Data:     data,
	}
	if err := w.imp.Import(ctx, f); err != nil {
		return err
	}
	log.Infof("imported %s (%s, %d bytes)", name, mt, len(data))
	return os.Rename(path, filepath.Join(w.dir, DoneDir, name))
}
