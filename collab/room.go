package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// a room is the single logical owner of one live document: the crdt state,
// the awareness store and the attached sessions are mutated only under the
// room's lock. different rooms share no mutable state.

type RoomSettings struct {
	SendBufferSize   int
	HeartbeatTimeout time.Duration
	HeartbeatCheck   time.Duration
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		SendBufferSize:   32,
		HeartbeatTimeout: 45 * time.Second,
		HeartbeatCheck:   15 * time.Second,
	}
}

type SessionState int32

const (
	SessionStateConnecting SessionState = iota
	SessionStateAuthenticating
	SessionStateSyncStep1
	SessionStateSynced
	SessionStateClosed
)

func (self SessionState) String() string {
	switch self {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateAuthenticating:
		return "authenticating"
	case SessionStateSyncStep1:
		return "syncStep1"
	case SessionStateSynced:
		return "synced"
	case SessionStateClosed:
		return "closed"
	}
	return "unknown"
}

// one client's live connection to a room
type Session struct {
	sessionId  Id
	principal  *Principal
	instanceId Id
	docId      DocumentId
	room       *Room

	ctx    context.Context
	cancel context.CancelFunc

	send       chan *Message
	attachTime time.Time
	lastSeen   atomic.Int64
	state      atomic.Int32

	// what has been sent to this session, guarded by the room lock
	vector StateVector
	// what the client has confirmed: its sync handshake vectors plus its
	// own submitted ops. guarded by the room lock. this is the compaction
	// floor, never the optimistic send-time vector.
	acked StateVector
}

func (self *Session) SessionId() Id {
	return self.sessionId
}

func (self *Session) Principal() *Principal {
	return self.principal
}

func (self *Session) DocumentId() DocumentId {
	return self.docId
}

func (self *Session) Context() context.Context {
	return self.ctx
}

// the outbound message stream consumed by the session's write pump
func (self *Session) Send() <-chan *Message {
	return self.send
}

func (self *Session) State() SessionState {
	return SessionState(self.state.Load())
}

func (self *Session) setState(state SessionState) {
	self.state.Store(int32(state))
}

func (self *Session) Touch() {
	self.lastSeen.Store(time.Now().UnixNano())
}

func (self *Session) LastSeen() time.Time {
	return time.Unix(0, self.lastSeen.Load())
}

var errRoomClosed = errors.New("Room closed.")

// comparable
type replicaKey struct {
	userId     Id
	instanceId Id
}

type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	docId     DocumentId
	registry  *Registry
	settings  *RoomSettings
	flusher   *flusher
	awareness *Awareness

	relayClose func()

	stateLock sync.Mutex
	doc       *Doc
	fileName  string
	sessions  []*Session
	// replica identity per (principal, client instance). a reconnecting
	// client keeps its replica while the room is alive.
	replicas map[replicaKey]Id
	closed   bool
}

func newRoom(registry *Registry, docId DocumentId, file *WorkingFile) *Room {
	cancelCtx, cancel := context.WithCancel(registry.ctx)

	doc := NewDoc(NewId())
	if file.Content != "" {
		// seed: the durable content becomes a single bulk insert run
		doc.InsertAt(0, file.Content)
	}

	room := &Room{
		ctx:       cancelCtx,
		cancel:    cancel,
		docId:     docId,
		registry:  registry,
		settings:  registry.settings,
		awareness: NewAwareness(),
		doc:       doc,
		fileName:  file.Name,
		sessions:  []*Session{},
		replicas:  map[replicaKey]Id{},
	}
	room.flusher = newFlusher(cancelCtx, registry.bridge, docId, file.Name, room.materialize)

	if registry.relay != nil {
		relayClose, err := registry.relay.Subscribe(cancelCtx, docId, room.handleRelay)
		if err != nil {
			glog.Infof("[room]%s relay subscribe failed: %s\n", docId, err)
		} else {
			room.relayClose = relayClose
		}
	}

	go room.sweep()
	return room
}

func (self *Room) DocumentId() DocumentId {
	return self.docId
}

func (self *Room) materialize() string {
	self.stateLock.Lock()
	doc := self.doc
	self.stateLock.Unlock()
	return doc.Materialize()
}

func (self *Room) Materialize() string {
	return self.materialize()
}

func (self *Room) SessionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.sessions)
}

func (self *Room) Awareness() *Awareness {
	return self.awareness
}

func (self *Room) attach(principal *Principal, instanceId Id) (*Session, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, errRoomClosed
	}

	cancelCtx, cancel := context.WithCancel(self.ctx)
	session := &Session{
		sessionId:  NewId(),
		principal:  principal,
		instanceId: instanceId,
		docId:      self.docId,
		room:       self,
		ctx:        cancelCtx,
		cancel:     cancel,
		send:       make(chan *Message, self.settings.SendBufferSize),
		attachTime: time.Now(),
		vector:     StateVector{},
		acked:      StateVector{},
	}
	session.Touch()
	session.setState(SessionStateSyncStep1)

	// copy on write so broadcast can snapshot without holding the lock
	nextSessions := make([]*Session, 0, len(self.sessions)+1)
	nextSessions = append(nextSessions, self.sessions...)
	nextSessions = append(nextSessions, session)
	self.sessions = nextSessions

	return session, nil
}

// removes the session and returns the number of sessions left
func (self *Room) detach(session *Session) (int, bool) {
	self.stateLock.Lock()
	removed := false
	nextSessions := make([]*Session, 0, len(self.sessions))
	for _, s := range self.sessions {
		if s == session {
			removed = true
		} else {
			nextSessions = append(nextSessions, s)
		}
	}
	self.sessions = nextSessions
	remaining := len(nextSessions)
	self.stateLock.Unlock()

	if !removed {
		return remaining, false
	}

	session.setState(SessionStateClosed)
	session.cancel()
	if cleared, ok := self.awareness.Remove(session.sessionId); ok {
		self.broadcast(AwarenessMessage(cleared), session)
		self.relayPublish(AwarenessMessage(cleared))
	}
	return remaining, true
}

// the sync handshake: assigns (or restores) the session's replica identity
// and answers the client's state vector with the ops it has not seen
func (self *Room) SyncStep(session *Session, clientVector StateVector) *Message {
	self.stateLock.Lock()
	key := replicaKey{userId: session.principal.UserId, instanceId: session.instanceId}
	replica, ok := self.replicas[key]
	if !ok {
		replica = NewId()
		self.replicas[key] = replica
	}
	doc := self.doc
	ops := doc.DiffSince(clientVector)
	vector := doc.Vector()
	session.vector = vector.Clone()
	session.acked.Merge(clientVector)
	self.stateLock.Unlock()

	session.setState(SessionStateSynced)
	return SyncStep2Message(vector, ops, replica)
}

// merges an update from one session and fans it out to every other session.
// a merge error drops the whole set and leaves the document unchanged.
func (self *Room) MergeUpdate(from *Session, ops []Op) ([]Op, error) {
	self.stateLock.Lock()
	droppedBefore := self.doc.DroppedPending()
	applied, err := self.doc.Merge(ops)
	if err != nil {
		self.stateLock.Unlock()
		return nil, err
	}
	dropped := self.doc.DroppedPending() - droppedBefore

	// the merge may complete ops parked in the pending buffer that the
	// submitting session never saw (a relay delivery with a causal gap).
	// those must reach the submitter too or it diverges until resync.
	submitted := map[OpId]bool{}
	for _, op := range ops {
		submitted[op.Id] = true
	}
	completed := []Op{}
	for _, op := range applied {
		if !submitted[op.Id] {
			completed = append(completed, op)
		}
	}

	if from != nil {
		for _, op := range ops {
			if from.vector[op.Id.Replica] < op.Id.Counter {
				from.vector[op.Id.Replica] = op.Id.Counter
			}
			// the client authored these, they count as confirmed
			if from.acked[op.Id.Replica] < op.Id.Counter {
				from.acked[op.Id.Replica] = op.Id.Counter
			}
		}
		for _, op := range completed {
			if from.vector[op.Id.Replica] < op.Id.Counter {
				from.vector[op.Id.Replica] = op.Id.Counter
			}
		}
	}
	self.stateLock.Unlock()

	if 0 < len(applied) {
		self.flusher.Edit()
		message := UpdateMessage(applied)
		self.broadcast(message, from)
		if from != nil && 0 < len(completed) {
			self.send(from, UpdateMessage(completed))
		}
		self.relayPublish(message)
	}
	if 0 < dropped {
		glog.Infof("[room]%s dropped %d unresolvable pending ops, forcing resync\n", self.docId, dropped)
		self.broadcast(ResetMessage(), nil)
	}
	return applied, nil
}

// overwrites the session's awareness entry and fans it out
func (self *Room) SetAwareness(from *Session, entry AwarenessEntry) AwarenessEntry {
	entry.SessionId = from.sessionId
	stamped := self.awareness.Set(entry)
	message := AwarenessMessage(stamped)
	self.broadcast(message, from)
	self.relayPublish(message)
	return stamped
}

// fans a message out to every session except the originator. a session whose
// send buffer is full is disconnected rather than allowed to block the room.
func (self *Room) broadcast(message *Message, exclude *Session) {
	self.stateLock.Lock()
	sessions := self.sessions
	if message.Type == MessageTypeUpdate {
		for _, session := range sessions {
			if session == exclude {
				continue
			}
			for _, op := range message.Ops {
				if session.vector[op.Id.Replica] < op.Id.Counter {
					session.vector[op.Id.Replica] = op.Id.Counter
				}
			}
		}
	}
	self.stateLock.Unlock()

	for _, session := range sessions {
		if session == exclude {
			continue
		}
		self.send(session, message)
	}
}

// enqueues without blocking. a full buffer disconnects the session.
func (self *Room) send(session *Session, message *Message) {
	select {
	case session.send <- message:
	default:
		glog.Infof("[room]%s evicting slow session %s\n", self.docId, session.sessionId)
		session.cancel()
	}
}

func (self *Room) FlushNow(ctx context.Context) error {
	return self.flusher.FlushNow(ctx)
}

// replaces the live document with restored content. the durable overwrite
// runs through the flusher so it serializes with any in-flight flush, then
// every session is pushed back through the sync handshake.
func (self *Room) RestoreContent(ctx context.Context, content string) error {
	if err := self.flusher.Overwrite(ctx, content); err != nil {
		return err
	}
	self.reseed(content)
	self.broadcast(ResetMessage(), nil)
	self.relayPublish(ResetMessage())
	return nil
}

func (self *Room) reseed(content string) {
	self.stateLock.Lock()
	doc := NewDoc(NewId())
	if content != "" {
		doc.InsertAt(0, content)
	}
	self.doc = doc
	self.replicas = map[replicaKey]Id{}
	for _, session := range self.sessions {
		session.vector = StateVector{}
		session.acked = StateVector{}
		session.setState(SessionStateSyncStep1)
	}
	self.stateLock.Unlock()
}

// closes the room if it is empty and the final flush is confirmed.
// a failed final flush blocks teardown and escalates.
func (self *Room) tryClose(ctx context.Context) bool {
	self.stateLock.Lock()
	if self.closed || 0 < len(self.sessions) {
		self.stateLock.Unlock()
		return false
	}
	self.stateLock.Unlock()

	err := self.flusher.FlushNow(ctx)

	self.stateLock.Lock()
	if err != nil || self.closed || 0 < len(self.sessions) {
		self.stateLock.Unlock()
		if err != nil {
			self.registry.bridge.escalate(self.docId, err)
			go self.retryFinalFlush()
		}
		return false
	}
	self.closed = true
	self.stateLock.Unlock()

	self.registry.remove(self)
	if self.relayClose != nil {
		self.relayClose()
	}
	self.cancel()
	if glog.V(1) {
		glog.Infof("[room]%s closed\n", self.docId)
	}
	return true
}

func (self *Room) retryFinalFlush() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.registry.bridge.settings.FlushMaxDelay):
		}

		self.stateLock.Lock()
		empty := len(self.sessions) == 0 && !self.closed
		self.stateLock.Unlock()
		if !empty {
			return
		}
		if self.tryClose(self.ctx) {
			return
		}
	}
}

// drops tombstones no attached client can still reference. the floor is the
// minimum over what clients have confirmed (handshake vectors and their own
// submitted ops), so an element a client may still target in an in-flight op
// is never compacted out from under it.
func (self *Room) compact() int {
	self.stateLock.Lock()
	sessions := self.sessions
	doc := self.doc
	var min StateVector
	if 0 < len(sessions) {
		min = doc.Vector()
		for _, session := range sessions {
			for replica, counter := range min {
				if session.acked[replica] < counter {
					min[replica] = session.acked[replica]
				}
			}
		}
	}
	self.stateLock.Unlock()

	if min == nil {
		return 0
	}
	return doc.Compact(min)
}

// periodic maintenance: force out sessions that missed their heartbeat and
// garbage collect tombstones every attached client has confirmed
func (self *Room) sweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatCheck):
		}

		self.stateLock.Lock()
		sessions := self.sessions
		self.stateLock.Unlock()

		now := time.Now()
		for _, session := range sessions {
			if self.settings.HeartbeatTimeout < now.Sub(session.LastSeen()) {
				glog.Infof("[room]%s heartbeat timeout for session %s\n", self.docId, session.sessionId)
				self.registry.Disconnect(self.registry.ctx, session)
			}
		}

		if removed := self.compact(); 0 < removed && glog.V(2) {
			glog.Infof("[room]%s compacted %d tombstones\n", self.docId, removed)
		}
	}
}

type relayEnvelope struct {
	Instance Id       `json:"instance"`
	Message  *Message `json:"message"`
}

func (self *Room) relayPublish(message *Message) {
	if self.registry.relay == nil {
		return
	}
	payload, err := json.Marshal(&relayEnvelope{
		Instance: self.registry.instanceId,
		Message:  message,
	})
	if err != nil {
		return
	}
	if err := self.registry.relay.Publish(self.ctx, self.docId, payload); err != nil {
		glog.Infof("[room]%s relay publish failed: %s\n", self.docId, err)
	}
}

// applies a frame published by another instance of this service
func (self *Room) handleRelay(payload []byte) {
	envelope := &relayEnvelope{}
	if err := json.Unmarshal(payload, envelope); err != nil || envelope.Message == nil {
		return
	}
	if envelope.Instance == self.registry.instanceId {
		return
	}

	switch envelope.Message.Type {
	case MessageTypeUpdate:
		self.stateLock.Lock()
		droppedBefore := self.doc.DroppedPending()
		applied, err := self.doc.Merge(envelope.Message.Ops)
		dropped := self.doc.DroppedPending() - droppedBefore
		self.stateLock.Unlock()
		if err != nil {
			glog.Infof("[room]%s relay merge failed: %s\n", self.docId, err)
			return
		}
		if 0 < len(applied) {
			self.flusher.Edit()
			self.broadcast(UpdateMessage(applied), nil)
		}
		if 0 < dropped {
			glog.Infof("[room]%s dropped %d unresolvable pending ops, forcing resync\n", self.docId, dropped)
			self.broadcast(ResetMessage(), nil)
		}
	case MessageTypeAwareness:
		if envelope.Message.Entry != nil {
			self.awareness.Set(*envelope.Message.Entry)
			self.broadcast(envelope.Message, nil)
		}
	case MessageTypeReset:
		// another instance restored this document: reload and resync
		file, err := self.registry.bridge.Load(self.ctx, self.docId)
		if err != nil {
			glog.Infof("[room]%s relay reset reload failed: %s\n", self.docId, err)
			return
		}
		self.reseed(file.Content)
		self.broadcast(ResetMessage(), nil)
	}
}

// maps a document identifier to its in-memory room. rooms are created lazily
// on first connection and torn down only when empty with a confirmed flush.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	bridge     *Bridge
	relay      Relay
	instanceId Id
	settings   *RoomSettings

	stateLock sync.Mutex
	rooms     map[DocumentId]*Room
}

func NewRegistry(ctx context.Context, bridge *Bridge, relay Relay, settings *RoomSettings) *Registry {
	cancelCtx, cancel := context.WithCancel(ctx)
	if settings == nil {
		settings = DefaultRoomSettings()
	}
	return &Registry{
		ctx:        cancelCtx,
		cancel:     cancel,
		bridge:     bridge,
		relay:      relay,
		instanceId: NewId(),
		settings:   settings,
		rooms:      map[DocumentId]*Room{},
	}
}

func (self *Registry) InstanceId() Id {
	return self.instanceId
}

// binds an authenticated principal to the document's room, creating and
// seeding the room on first connection. authentication happens before this
// is called: a rejected credential never reaches the registry.
func (self *Registry) Connect(ctx context.Context, docId DocumentId, principal *Principal, instanceId Id) (*Session, error) {
	for {
		room, err := self.getOrCreateRoom(ctx, docId)
		if err != nil {
			return nil, err
		}
		session, err := room.attach(principal, instanceId)
		if err == nil {
			if glog.V(1) {
				glog.Infof("[registry]%s session %s attached (%s)\n", docId, session.sessionId, principal.Name)
			}
			return session, nil
		}
		// the room closed between lookup and attach, try again
	}
}

func (self *Registry) getOrCreateRoom(ctx context.Context, docId DocumentId) (*Room, error) {
	self.stateLock.Lock()
	room, ok := self.rooms[docId]
	self.stateLock.Unlock()
	if ok {
		return room, nil
	}

	// seed content is loaded before the room is published
	file, err := self.bridge.Load(ctx, docId)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if room, ok := self.rooms[docId]; ok {
		return room, nil
	}
	room = newRoom(self, docId, file)
	self.rooms[docId] = room
	if glog.V(1) {
		glog.Infof("[registry]%s room created\n", docId)
	}
	return room, nil
}

// detaches the session. when the last session leaves, the final flush runs
// before the room is torn down.
func (self *Registry) Disconnect(ctx context.Context, session *Session) {
	room := session.room
	remaining, removed := room.detach(session)
	if !removed {
		return
	}
	if remaining == 0 {
		room.tryClose(ctx)
	}
}

func (self *Registry) Room(docId DocumentId) *Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.rooms[docId]
}

func (self *Registry) ProjectRooms(projectId string) []*Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rooms := []*Room{}
	for docId, room := range self.rooms {
		if docId.ProjectId == projectId {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func (self *Registry) RoomCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms)
}

func (self *Registry) remove(room *Room) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.rooms[room.docId] == room {
		delete(self.rooms, room.docId)
	}
}

func (self *Registry) Close() {
	self.cancel()
}
