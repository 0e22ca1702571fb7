// Package watch tails agent transcript files and feeds their messages into
// the session coordinator.
package watch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/claudego/server/content"
)

const (
	debounceInterval = 100 * time.Millisecond
	transcriptExt    = ".jsonl"
)

// IngestFunc receives the messages parsed from newly appended transcript
// lines of one session.
type IngestFunc func(ctx context.Context, sessionID string, msgs []content.Message)

// TranscriptWatcher follows <dir>/<sessionId>.jsonl files. Each file is
// read from where the previous read stopped; an incomplete last line is
// kept until its newline arrives.
type TranscriptWatcher struct {
	dir     string
	ingest  IngestFunc
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	fileMu  sync.Mutex
	offsets map[string]int64
	partial map[string][]byte
	readMu  map[string]*sync.Mutex

	timerMu  sync.Mutex
	timerMap map[string]*time.Timer
}

func NewTranscriptWatcher(dir string, ingest IngestFunc) *TranscriptWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &TranscriptWatcher{
		dir:      dir,
		ingest:   ingest,
		ctx:      ctx,
		cancel:   cancel,
		offsets:  make(map[string]int64),
		partial:  make(map[string][]byte),
		readMu:   make(map[string]*sync.Mutex),
		timerMap: make(map[string]*time.Timer),
	}
}

// Start watches the directory and reads the transcripts already in it.
func (w *TranscriptWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.eventLoop()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), transcriptExt) {
			w.readNew(filepath.Join(w.dir, e.Name()))
		}
	}

	slog.Info("TranscriptWatcher started", "dir", w.dir)
	return nil
}

func (w *TranscriptWatcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.timerMu.Lock()
	for _, timer := range w.timerMap {
		timer.Stop()
	}
	w.timerMap = make(map[string]*time.Timer)
	w.timerMu.Unlock()

	slog.Info("TranscriptWatcher stopped")
}

func (w *TranscriptWatcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

func (w *TranscriptWatcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	if !strings.HasSuffix(path, transcriptExt) {
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.forget(path)
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.timerMu.Lock()
	if timer, exists := w.timerMap[path]; exists {
		timer.Stop()
	}
	w.timerMap[path] = time.AfterFunc(debounceInterval, func() {
		w.timerMu.Lock()
		delete(w.timerMap, path)
		w.timerMu.Unlock()
		w.readNew(path)
	})
	w.timerMu.Unlock()
}

func (w *TranscriptWatcher) forget(path string) {
	w.fileMu.Lock()
	delete(w.offsets, path)
	delete(w.partial, path)
	w.fileMu.Unlock()
	slog.Debug("transcript removed", "path", path)
}

// pathLock returns the lock that orders reads of path. Entries outlive
// forget so that a read in flight and the next one share a lock.
func (w *TranscriptWatcher) pathLock(path string) *sync.Mutex {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	mu, ok := w.readMu[path]
	if !ok {
		mu = &sync.Mutex{}
		w.readMu[path] = mu
	}
	return mu
}

// readNew parses what was appended to path since the last read and hands
// the messages to the ingest function. Reads of one path, ingest included,
// run one at a time so messages arrive in file order.
func (w *TranscriptWatcher) readNew(path string) {
	if w.ctx.Err() != nil {
		return
	}
	sessionID := strings.TrimSuffix(filepath.Base(path), transcriptExt)
	log := slog.With("sessionId", sessionID)

	lock := w.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	w.fileMu.Lock()
	msgs, err := w.readLines(path, log)
	w.fileMu.Unlock()
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read transcript", "path", path, "error", err)
		}
		return
	}

	if len(msgs) > 0 {
		w.ingest(w.ctx, sessionID, msgs)
	}
}

// readLines reads the complete lines appended since the stored offset.
// Caller must hold fileMu.
func (w *TranscriptWatcher) readLines(path string, log *slog.Logger) ([]content.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	offset := w.offsets[path]
	if info.Size() < offset {
		log.Info("transcript truncated, reading from start")
		offset = 0
		delete(w.partial, path)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	w.offsets[path] = offset + int64(len(data))

	buf := append(w.partial[path], data...)
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		w.partial[path] = buf
		return nil, nil
	}
	w.partial[path] = bytes.Clone(buf[end+1:])

	var msgs []content.Message
	for line := range bytes.SplitSeq(buf[:end], []byte{'\n'}) {
		msg, ok, err := content.ParseTranscriptLine(line)
		if err != nil {
			log.Warn("skipping malformed transcript line", "error", err)
			continue
		}
		if ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}
