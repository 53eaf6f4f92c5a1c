package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the bridge between live room state and durable storage. flushes are
// debounced on edit with a bounded max delay, so the data-loss window stays
// bounded even under continuous typing. failed flushes retry with backoff
// and block room teardown until resolved or escalated.

type PersistenceSettings struct {
	FlushDebounce   time.Duration
	FlushMaxDelay   time.Duration
	FlushTimeout    time.Duration
	FlushRetryCount int
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// called when a final flush cannot be resolved. operators must see this.
	Escalate func(docId DocumentId, err error)
}

func DefaultPersistenceSettings() *PersistenceSettings {
	return &PersistenceSettings{
		FlushDebounce:   2 * time.Second,
		FlushMaxDelay:   10 * time.Second,
		FlushTimeout:    10 * time.Second,
		FlushRetryCount: 4,
		RetryBackoffMin: 250 * time.Millisecond,
		RetryBackoffMax: 5 * time.Second,
	}
}

type Bridge struct {
	fileStore FileStore
	settings  *PersistenceSettings
}

func NewBridge(fileStore FileStore) *Bridge {
	return NewBridgeWithSettings(fileStore, DefaultPersistenceSettings())
}

func NewBridgeWithSettings(fileStore FileStore, settings *PersistenceSettings) *Bridge {
	return &Bridge{
		fileStore: fileStore,
		settings:  settings,
	}
}

// called exactly once per room creation to seed the document
func (self *Bridge) Load(ctx context.Context, docId DocumentId) (*WorkingFile, error) {
	file, err := self.fileStore.GetWorkingFile(ctx, docId.ProjectId, docId.FileId)
	if err != nil {
		return nil, &PersistenceError{DocumentId: docId, Op: "load", Err: err}
	}
	return file, nil
}

func (self *Bridge) escalate(docId DocumentId, err error) {
	glog.Errorf("[persist]%s unresolved final flush: %s\n", docId, err)
	if self.settings.Escalate != nil {
		self.settings.Escalate(docId, err)
	}
}

type flushCommand struct {
	// nil flushes the room's current content. non-nil overwrites with the
	// given content instead (version restore), serialized with in-flight
	// flushes because both run on the flusher goroutine.
	content *string
	result  chan error
}

type flusher struct {
	ctx    context.Context
	cancel context.CancelFunc

	bridge  *Bridge
	docId   DocumentId
	name    string
	content func() string

	edits    chan struct{}
	commands chan *flushCommand

	stateLock sync.Mutex
	lastErr   error
	flushes   int
}

func newFlusher(ctx context.Context, bridge *Bridge, docId DocumentId, name string, content func() string) *flusher {
	cancelCtx, cancel := context.WithCancel(ctx)
	f := &flusher{
		ctx:      cancelCtx,
		cancel:   cancel,
		bridge:   bridge,
		docId:    docId,
		name:     name,
		content:  content,
		edits:    make(chan struct{}, 1),
		commands: make(chan *flushCommand),
	}
	go f.run()
	return f
}

// restarts the debounce timer. non-blocking.
func (self *flusher) Edit() {
	select {
	case self.edits <- struct{}{}:
	default:
	}
}

// flushes the current content immediately, bypassing the debounce.
// used for version snapshots and the final flush before room teardown.
func (self *flusher) FlushNow(ctx context.Context) error {
	return self.command(ctx, &flushCommand{result: make(chan error, 1)})
}

// writes the given content instead of the room's current content. the
// overwrite runs on the flusher goroutine, so it cannot race a debounced
// flush of pre-restore content.
func (self *flusher) Overwrite(ctx context.Context, content string) error {
	return self.command(ctx, &flushCommand{content: &content, result: make(chan error, 1)})
}

func (self *flusher) command(ctx context.Context, cmd *flushCommand) error {
	select {
	case self.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *flusher) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

// the number of storage writes performed so far
func (self *flusher) FlushCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.flushes
}

func (self *flusher) Close() {
	self.cancel()
}

func (self *flusher) run() {
	settings := self.bridge.settings

	var debounce *time.Timer
	var deadline *time.Timer
	timerC := func(t *time.Timer) <-chan time.Time {
		if t == nil {
			return nil
		}
		return t.C
	}
	clearTimers := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
		}
		if deadline != nil {
			deadline.Stop()
			deadline = nil
		}
	}
	defer clearTimers()

	dirty := false
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.edits:
			dirty = true
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(settings.FlushDebounce)
			if deadline == nil {
				deadline = time.NewTimer(settings.FlushMaxDelay)
			}
		case <-timerC(debounce):
			debounce = nil
			if dirty {
				if err := self.flush(nil); err == nil {
					dirty = false
					clearTimers()
				} else {
					// keep dirty, retry on the deadline timer
					deadline = time.NewTimer(settings.FlushMaxDelay)
				}
			}
		case <-timerC(deadline):
			deadline = nil
			if dirty {
				if err := self.flush(nil); err == nil {
					dirty = false
					clearTimers()
				} else {
					deadline = time.NewTimer(settings.FlushMaxDelay)
				}
			}
		case cmd := <-self.commands:
			err := self.flush(cmd.content)
			if err == nil {
				dirty = false
				clearTimers()
			}
			cmd.result <- err
		}
	}
}

// writes content to the file store with bounded retries and backoff
func (self *flusher) flush(override *string) error {
	settings := self.bridge.settings

	content := ""
	if override != nil {
		content = *override
	} else {
		content = self.content()
	}

	backoff := settings.RetryBackoffMin
	var lastErr error
	for i := 0; i < settings.FlushRetryCount; i += 1 {
		if 0 < i {
			select {
			case <-self.ctx.Done():
				return self.ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if settings.RetryBackoffMax < backoff {
				backoff = settings.RetryBackoffMax
			}
		}

		flushCtx, flushCancel := context.WithTimeout(self.ctx, settings.FlushTimeout)
		err := self.bridge.fileStore.SetWorkingFile(flushCtx, &WorkingFile{
			ProjectId: self.docId.ProjectId,
			FileId:    self.docId.FileId,
			Name:      self.name,
			Content:   content,
		})
		flushCancel()
		if err == nil {
			self.stateLock.Lock()
			self.lastErr = nil
			self.flushes += 1
			self.stateLock.Unlock()
			if glog.V(2) {
				glog.Infof("[persist]%s flushed %d bytes\n", self.docId, len(content))
			}
			return nil
		}
		lastErr = err
		glog.Infof("[persist]%s flush attempt %d failed: %s\n", self.docId, i+1, err)
	}

	err := &PersistenceError{DocumentId: self.docId, Op: "flush", Err: lastErr}
	self.stateLock.Lock()
	self.lastErr = err
	self.stateLock.Unlock()
	return err
}
