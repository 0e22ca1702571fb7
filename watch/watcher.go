package watch

// Watcher defines the lifecycle shared by watchers.
type Watcher interface {
	Start() error
	Stop()
}

var _ Watcher = (*TranscriptWatcher)(nil)
