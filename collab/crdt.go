package collab

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// sequence crdt for one document.
//
// every insert is identified by (replica, counter) and causally linked to the
// element it follows (its origin). the document is a tree rooted at a head
// sentinel: document order is a depth-first walk with the children of each
// element ordered by descending op id. concurrent inserts at the same visual
// position therefore resolve by op id, identically on every replica.
// deletes are tombstones. tombstones are retained until compaction proves no
// attached client can still reference them.

const DefaultPendingOpLimit = 4096

// comparable
type OpId struct {
	Replica Id     `json:"replica"`
	Counter uint64 `json:"counter"`
}

func (self OpId) IsZero() bool {
	return self == OpId{}
}

// total order: counter first, replica id bytes break ties
func (self OpId) LessThan(other OpId) bool {
	if self.Counter != other.Counter {
		return self.Counter < other.Counter
	}
	return bytes.Compare(self.Replica[0:16], other.Replica[0:16]) < 0
}

func (self OpId) String() string {
	return fmt.Sprintf("%s:%d", self.Replica, self.Counter)
}

const (
	OpTypeInsert = "insert"
	OpTypeDelete = "delete"
)

type Op struct {
	Type string `json:"type"`
	Id   OpId   `json:"id"`
	// insert: the element this one follows. zero is the document head.
	Origin OpId `json:"origin"`
	// insert: exactly one rune
	Value string `json:"value,omitempty"`
	// delete: the element to tombstone
	Target OpId `json:"target"`
}

func (self Op) Validate() error {
	if self.Id.Counter == 0 {
		return NewMergeError("op %s has a zero counter", self.Id)
	}
	switch self.Type {
	case OpTypeInsert:
		if utf8.RuneCountInString(self.Value) != 1 {
			return NewMergeError("insert %s must carry exactly one rune", self.Id)
		}
		if self.Origin == self.Id {
			return NewMergeError("insert %s is its own origin", self.Id)
		}
		if self.Origin.Replica == self.Id.Replica && self.Origin.Counter >= self.Id.Counter {
			return NewMergeError("insert %s references a non-causal origin %s", self.Id, self.Origin)
		}
		if !self.Target.IsZero() {
			return NewMergeError("insert %s carries a delete target", self.Id)
		}
	case OpTypeDelete:
		if self.Target.IsZero() {
			return NewMergeError("delete %s has no target", self.Id)
		}
		if self.Target == self.Id {
			return NewMergeError("delete %s targets itself", self.Id)
		}
		if self.Value != "" {
			return NewMergeError("delete %s carries a value", self.Id)
		}
	default:
		return NewMergeError("unknown op type %s", self.Type)
	}
	return nil
}

// per-replica counters summarizing which ops a replica has seen
type StateVector map[Id]uint64

func (self StateVector) Clone() StateVector {
	out := StateVector{}
	for replica, counter := range self {
		out[replica] = counter
	}
	return out
}

func (self StateVector) Includes(id OpId) bool {
	return id.Counter <= self[id.Replica]
}

func (self StateVector) Merge(other StateVector) {
	for replica, counter := range other {
		if self[replica] < counter {
			self[replica] = counter
		}
	}
}

func (self StateVector) Covers(other StateVector) bool {
	for replica, counter := range other {
		if self[replica] < counter {
			return false
		}
	}
	return true
}

type element struct {
	id        OpId
	value     rune
	deleted   bool
	deletedBy OpId
	parent    *element
	// document order among siblings: descending op id
	children []*element
}

type Doc struct {
	stateLock sync.Mutex

	replica Id
	counter uint64

	root     *element
	elements map[OpId]*element
	// applied ops by (replica, counter), for replay detection and DiffSince
	ops    map[Id]map[uint64]Op
	vector StateVector

	pending      []Op
	pendingLimit int
	dropped      int
}

func NewDoc(replica Id) *Doc {
	return &Doc{
		replica:      replica,
		root:         &element{},
		elements:     map[OpId]*element{},
		ops:          map[Id]map[uint64]Op{},
		vector:       StateVector{},
		pendingLimit: DefaultPendingOpLimit,
	}
}

func (self *Doc) Replica() Id {
	return self.replica
}

// translates a local insert at a visible position into origin-linked ops,
// applies them, and returns them for broadcast
func (self *Doc) InsertAt(pos int, text string) ([]Op, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	origin := OpId{}
	if 0 < pos {
		e := self.elementAtVisible(pos - 1)
		if e == nil {
			return nil, NewMergeError("insert position %d out of range", pos)
		}
		origin = e.id
	} else if pos < 0 {
		return nil, NewMergeError("insert position %d out of range", pos)
	}

	ops := []Op{}
	for _, r := range text {
		self.counter += 1
		op := Op{
			Type:   OpTypeInsert,
			Id:     OpId{Replica: self.replica, Counter: self.counter},
			Origin: origin,
			Value:  string(r),
		}
		self.integrate(op)
		self.record(op)
		origin = op.Id
		ops = append(ops, op)
	}
	return ops, nil
}

// translates a local delete of visible positions [pos, pos+count) into
// tombstone ops, applies them, and returns them for broadcast
func (self *Doc) DeleteAt(pos int, count int) ([]Op, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if pos < 0 || count < 0 {
		return nil, NewMergeError("delete range (%d, %d) out of range", pos, count)
	}

	targets := []*element{}
	i := 0
	self.walk(func(e *element) bool {
		if e.deleted {
			return true
		}
		if pos <= i && i < pos+count {
			targets = append(targets, e)
		}
		i += 1
		return i < pos+count
	})
	if len(targets) != count {
		return nil, NewMergeError("delete range (%d, %d) out of range", pos, count)
	}

	ops := []Op{}
	for _, e := range targets {
		self.counter += 1
		op := Op{
			Type:   OpTypeDelete,
			Id:     OpId{Replica: self.replica, Counter: self.counter},
			Target: e.id,
		}
		self.integrate(op)
		self.record(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// integrates remote ops in any order. duplicates are no-ops. ops whose
// origin or target has not arrived yet wait in a bounded pending buffer.
// a structurally malformed set is rejected whole: nothing is applied.
func (self *Doc) Merge(ops []Op) ([]Op, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// validate the whole set before touching anything
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := self.appliedOp(op.Id); ok && prev != op {
			return nil, NewMergeError("op %s replayed with different content", op.Id)
		}
	}

	work := make([]Op, 0, len(self.pending)+len(ops))
	work = append(work, self.pending...)
	work = append(work, ops...)

	applied := []Op{}
	for progress := true; progress; {
		progress = false
		next := work[:0]
		for _, op := range work {
			if _, ok := self.appliedOp(op.Id); ok {
				continue
			}
			if self.causallyReady(op) {
				self.integrate(op)
				self.record(op)
				applied = append(applied, op)
				progress = true
			} else {
				next = append(next, op)
			}
		}
		work = next
	}

	if self.pendingLimit < len(work) {
		glog.Infof("[doc]%s dropping %d pending ops over limit\n", self.replica, len(work)-self.pendingLimit)
		self.dropped += len(work) - self.pendingLimit
		work = work[len(work)-self.pendingLimit:]
	}
	self.pending = append([]Op{}, work...)

	return applied, nil
}

// the total number of pending ops discarded over the buffer limit. callers
// watch this across a merge to detect that affected replicas need a resync.
func (self *Doc) DroppedPending() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dropped
}

// the materialized text: a deterministic function of the applied op set
func (self *Doc) Materialize() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var buf bytes.Buffer
	self.walk(func(e *element) bool {
		if !e.deleted {
			buf.WriteRune(e.value)
		}
		return true
	})
	return buf.String()
}

func (self *Doc) VisibleLength() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	self.walk(func(e *element) bool {
		if !e.deleted {
			n += 1
		}
		return true
	})
	return n
}

func (self *Doc) Vector() StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.vector.Clone()
}

// the ops the holder of `vector` has not seen, bounding resync cost to the
// missed delta. replicas are walked in id order so the result is stable.
func (self *Doc) DiffSince(vector StateVector) []Op {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	replicas := maps.Keys(self.ops)
	sort.Slice(replicas, func(i int, j int) bool {
		return replicas[i].LessThan(replicas[j])
	})

	diff := []Op{}
	for _, replica := range replicas {
		for counter := vector[replica] + 1; counter <= self.vector[replica]; counter += 1 {
			if op, ok := self.ops[replica][counter]; ok {
				diff = append(diff, op)
			}
		}
	}
	return diff
}

// drops tombstones that every counter in `min` covers, where `min` is the
// minimum state vector over all attached clients. only leaf tombstones are
// dropped so that a late op can never reference a missing origin.
func (self *Doc) Compact(min StateVector) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	removed := 0
	for {
		var candidate *element
		for _, e := range self.elements {
			if e.deleted && len(e.children) == 0 && min.Includes(e.id) && min.Includes(e.deletedBy) {
				candidate = e
				break
			}
		}
		if candidate == nil {
			return removed
		}

		parent := candidate.parent
		if parent == nil {
			parent = self.root
		}
		for i, c := range parent.children {
			if c == candidate {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		delete(self.elements, candidate.id)
		self.unrecord(candidate.id)
		self.unrecord(candidate.deletedBy)
		removed += 1
	}
}

func (self *Doc) appliedOp(id OpId) (Op, bool) {
	op, ok := self.ops[id.Replica][id.Counter]
	return op, ok
}

func (self *Doc) causallyReady(op Op) bool {
	switch op.Type {
	case OpTypeInsert:
		if op.Origin.IsZero() {
			return true
		}
		_, ok := self.elements[op.Origin]
		return ok
	case OpTypeDelete:
		_, ok := self.elements[op.Target]
		return ok
	}
	return false
}

func (self *Doc) integrate(op Op) {
	switch op.Type {
	case OpTypeInsert:
		parent := self.root
		if !op.Origin.IsZero() {
			parent = self.elements[op.Origin]
		}
		r, _ := utf8.DecodeRuneInString(op.Value)
		e := &element{
			id:     op.Id,
			value:  r,
			parent: parent,
		}
		// keep children in descending op id order
		i := sort.Search(len(parent.children), func(i int) bool {
			return parent.children[i].id.LessThan(op.Id)
		})
		parent.children = append(parent.children, nil)
		copy(parent.children[i+1:], parent.children[i:])
		parent.children[i] = e
		self.elements[op.Id] = e
	case OpTypeDelete:
		e := self.elements[op.Target]
		if !e.deleted {
			e.deleted = true
			e.deletedBy = op.Id
		} else if op.Id.LessThan(e.deletedBy) {
			// concurrent deletes of the same element: keep the least id
			e.deletedBy = op.Id
		}
	}
}

func (self *Doc) record(op Op) {
	replicaOps, ok := self.ops[op.Id.Replica]
	if !ok {
		replicaOps = map[uint64]Op{}
		self.ops[op.Id.Replica] = replicaOps
	}
	replicaOps[op.Id.Counter] = op
	if self.vector[op.Id.Replica] < op.Id.Counter {
		self.vector[op.Id.Replica] = op.Id.Counter
	}
	// lamport clock: the local counter advances past every op seen, so a
	// new local insert outranks all existing siblings and lands directly
	// after its origin. sibling order only breaks ties between inserts
	// that were actually concurrent.
	if self.counter < op.Id.Counter {
		self.counter = op.Id.Counter
	}
}

func (self *Doc) unrecord(id OpId) {
	if replicaOps, ok := self.ops[id.Replica]; ok {
		delete(replicaOps, id.Counter)
	}
}

// pre-order walk in document order. `visit` returns false to stop early.
func (self *Doc) walk(visit func(e *element) bool) {
	stack := make([]*element, 0, 64)
	for i := len(self.root.children) - 1; 0 <= i; i -= 1 {
		stack = append(stack, self.root.children[i])
	}
	for 0 < len(stack) {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(e) {
			return
		}
		for i := len(e.children) - 1; 0 <= i; i -= 1 {
			stack = append(stack, e.children[i])
		}
	}
}

func (self *Doc) elementAtVisible(pos int) *element {
	var found *element
	i := 0
	self.walk(func(e *element) bool {
		if e.deleted {
			return true
		}
		if i == pos {
			found = e
			return false
		}
		i += 1
		return true
	})
	return found
}
