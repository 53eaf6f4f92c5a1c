package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func TestDocLocalEdits(t *testing.T) {
	doc := NewDoc(NewId())

	ops, err := doc.InsertAt(0, "hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(ops), 5)
	assert.Equal(t, doc.Materialize(), "hello")

	_, err = doc.InsertAt(5, " world")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Materialize(), "hello world")

	_, err = doc.DeleteAt(0, 6)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Materialize(), "world")
	assert.Equal(t, doc.VisibleLength(), 5)

	// multi byte runes count as single positions
	_, err = doc.InsertAt(0, "héllø ")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Materialize(), "héllø world")
	_, err = doc.DeleteAt(1, 4)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Materialize(), "h world")
}

func TestDocEditOutOfRange(t *testing.T) {
	doc := NewDoc(NewId())
	doc.InsertAt(0, "abc")

	_, err := doc.InsertAt(4, "x")
	assert.NotEqual(t, err, nil)
	_, err = doc.InsertAt(-1, "x")
	assert.NotEqual(t, err, nil)
	_, err = doc.DeleteAt(2, 2)
	assert.NotEqual(t, err, nil)
	_, err = doc.DeleteAt(-1, 1)
	assert.NotEqual(t, err, nil)

	assert.Equal(t, doc.Materialize(), "abc")
}

func TestDocConvergenceAnyOrder(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())
	c := NewDoc(NewId())

	opsA, err := a.InsertAt(0, "abc")
	assert.Equal(t, err, nil)
	opsB, err := b.Merge(opsA)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(opsB), 3)

	moreA, _ := a.InsertAt(3, "def")
	delB, _ := b.DeleteAt(0, 1)

	// a and b see each other's edits in opposite orders
	_, err = a.Merge(delB)
	assert.Equal(t, err, nil)
	_, err = b.Merge(moreA)
	assert.Equal(t, err, nil)

	// c sees everything at once, out of order
	everything := []Op{}
	everything = append(everything, delB...)
	everything = append(everything, moreA...)
	everything = append(everything, opsA...)
	_, err = c.Merge(everything)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.Materialize(), "bcdef")
	assert.Equal(t, b.Materialize(), a.Materialize())
	assert.Equal(t, c.Materialize(), a.Materialize())
}

func TestDocIdempotentMerge(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	ops, _ := a.InsertAt(0, "abc")
	applied, err := b.Merge(ops)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(applied), 3)

	// the same delivery again is a no-op
	applied, err = b.Merge(ops)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(applied), 0)
	assert.Equal(t, b.Materialize(), "abc")
	assert.Equal(t, b.VisibleLength(), 3)
}

func TestDocInsertIntoRemoteContent(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	ops, _ := a.InsertAt(0, "ab")
	_, err := b.Merge(ops)
	assert.Equal(t, err, nil)

	// a sequential edit lands at the cursor, not behind the remote run
	insB, err := b.InsertAt(1, "x")
	assert.Equal(t, err, nil)
	assert.Equal(t, b.Materialize(), "axb")

	_, err = a.Merge(insB)
	assert.Equal(t, err, nil)
	assert.Equal(t, a.Materialize(), "axb")
}

func TestDocInsertIntoSeededContent(t *testing.T) {
	// a room seeds durable content under its own replica, then a client
	// syncs and types mid-document
	seed := NewDoc(NewId())
	seedOps, _ := seed.InsertAt(0, "Hello World")

	client := NewDoc(NewId())
	_, err := client.Merge(seedOps)
	assert.Equal(t, err, nil)

	ops, err := client.InsertAt(5, ",")
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Materialize(), "Hello, World")

	_, err = seed.Merge(ops)
	assert.Equal(t, err, nil)
	assert.Equal(t, seed.Materialize(), "Hello, World")
}

func TestDocInterleavedRemoteEdits(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	// ping-pong editing stays at the chosen positions on both sides
	ops, _ := a.InsertAt(0, "ac")
	b.Merge(ops)
	ops, _ = b.InsertAt(1, "b")
	a.Merge(ops)
	assert.Equal(t, a.Materialize(), "abc")
	ops, _ = a.InsertAt(3, "d")
	b.Merge(ops)
	assert.Equal(t, b.Materialize(), "abcd")
	ops, _ = b.InsertAt(0, "z")
	a.Merge(ops)

	assert.Equal(t, a.Materialize(), "zabcd")
	assert.Equal(t, b.Materialize(), "zabcd")
}

func TestDocConcurrentInsertsSamePosition(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	// both type at the head of an empty document without seeing each other
	opsA, _ := a.InsertAt(0, "hello")
	opsB, _ := b.InsertAt(0, "world")

	_, err := a.Merge(opsB)
	assert.Equal(t, err, nil)
	_, err = b.Merge(opsA)
	assert.Equal(t, err, nil)

	// both converge and neither run is interleaved
	out := a.Materialize()
	assert.Equal(t, out, b.Materialize())
	assert.Equal(t, out == "helloworld" || out == "worldhello", true)
}

func TestDocCausalGap(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	ops, _ := a.InsertAt(0, "ab")

	// the second rune arrives before its origin
	applied, err := b.Merge(ops[1:2])
	assert.Equal(t, err, nil)
	assert.Equal(t, len(applied), 0)
	assert.Equal(t, b.Materialize(), "")

	// the origin arrives, both apply
	applied, err = b.Merge(ops[0:1])
	assert.Equal(t, err, nil)
	assert.Equal(t, len(applied), 2)
	assert.Equal(t, b.Materialize(), "ab")
}

func TestDocPendingOverflowCounted(t *testing.T) {
	doc := NewDoc(NewId())
	doc.pendingLimit = 1

	other := NewId()
	orphans := []Op{
		{
			Type:   OpTypeInsert,
			Id:     OpId{Replica: other, Counter: 5},
			Origin: OpId{Replica: other, Counter: 4},
			Value:  "x",
		},
		{
			Type:   OpTypeInsert,
			Id:     OpId{Replica: other, Counter: 6},
			Origin: OpId{Replica: other, Counter: 5},
			Value:  "y",
		},
	}

	// both park on the missing origin; only one fits the buffer
	applied, err := doc.Merge(orphans)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(applied), 0)
	assert.Equal(t, doc.DroppedPending(), 1)
}

func TestDocMalformedSetRejectedWhole(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	ops, _ := a.InsertAt(0, "ab")

	bad := Op{
		Type: OpTypeInsert,
		Id:   OpId{Replica: NewId(), Counter: 1},
		// more than one rune
		Value: "xy",
	}
	set := append(append([]Op{}, ops...), bad)
	_, err := b.Merge(set)
	assert.NotEqual(t, err, nil)

	// nothing from the set was applied
	assert.Equal(t, b.Materialize(), "")
	assert.Equal(t, len(b.Vector()), 0)

	// the valid subset still applies afterward
	_, err = b.Merge(ops)
	assert.Equal(t, err, nil)
	assert.Equal(t, b.Materialize(), "ab")
}

func TestDocReplayedOpRejected(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	ops, _ := a.InsertAt(0, "a")
	_, err := b.Merge(ops)
	assert.Equal(t, err, nil)

	// same id, different content
	forged := ops[0]
	forged.Value = "z"
	_, err = b.Merge([]Op{forged})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, b.Materialize(), "a")
}

func TestDocDeleteNoResurrect(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	ops, _ := a.InsertAt(0, "abc")
	b.Merge(ops)
	del, _ := b.DeleteAt(1, 1)
	_, err := a.Merge(del)
	assert.Equal(t, err, nil)
	assert.Equal(t, a.Materialize(), "ac")

	// redelivering the original insert does not resurrect the element
	_, err = a.Merge(ops)
	assert.Equal(t, err, nil)
	assert.Equal(t, a.Materialize(), "ac")
}

func TestDocConcurrentDeleteSameElement(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	ops, _ := a.InsertAt(0, "abc")
	b.Merge(ops)

	delA, _ := a.DeleteAt(1, 1)
	delB, _ := b.DeleteAt(1, 1)

	_, err := a.Merge(delB)
	assert.Equal(t, err, nil)
	_, err = b.Merge(delA)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.Materialize(), "ac")
	assert.Equal(t, b.Materialize(), "ac")
	assert.Equal(t, a.VisibleLength(), 2)
}

func TestDocDiffSince(t *testing.T) {
	a := NewDoc(NewId())
	b := NewDoc(NewId())

	opsA, _ := a.InsertAt(0, "abcde")
	b.Merge(opsA)
	vectorAtSync := b.Vector()

	moreA, _ := a.InsertAt(5, "fg")
	b.Merge(moreA)
	delB, _ := b.DeleteAt(0, 1)
	a.Merge(delB)

	// the diff is exactly the ops after the captured vector
	diff := a.DiffSince(vectorAtSync)
	assert.Equal(t, len(diff), 3)

	// a fresh doc built from the snapshot plus the diff converges
	c := NewDoc(NewId())
	_, err := c.Merge(opsA)
	assert.Equal(t, err, nil)
	_, err = c.Merge(diff)
	assert.Equal(t, err, nil)
	assert.Equal(t, c.Materialize(), a.Materialize())

	// a full diff from an empty vector rebuilds the document
	d := NewDoc(NewId())
	_, err = d.Merge(a.DiffSince(StateVector{}))
	assert.Equal(t, err, nil)
	assert.Equal(t, d.Materialize(), a.Materialize())
}

func TestDocCompact(t *testing.T) {
	a := NewDoc(NewId())

	a.InsertAt(0, "abcdef")
	a.DeleteAt(3, 3)
	assert.Equal(t, a.Materialize(), "abc")

	// nothing compacts while the min vector is behind
	removed := a.Compact(StateVector{})
	assert.Equal(t, removed, 0)

	// with every client caught up, the trailing tombstone run goes away
	removed = a.Compact(a.Vector())
	assert.Equal(t, removed, 3)
	assert.Equal(t, a.Materialize(), "abc")
	assert.Equal(t, a.VisibleLength(), 3)

	// the compacted doc still accepts edits
	_, err := a.InsertAt(1, "x")
	assert.Equal(t, err, nil)
	assert.Equal(t, a.Materialize(), "axbc")
}

func TestStateVector(t *testing.T) {
	a := NewId()
	b := NewId()

	v1 := StateVector{a: 3}
	v2 := StateVector{a: 1, b: 5}

	assert.Equal(t, v1.Includes(OpId{Replica: a, Counter: 3}), true)
	assert.Equal(t, v1.Includes(OpId{Replica: a, Counter: 4}), false)
	assert.Equal(t, v1.Includes(OpId{Replica: b, Counter: 1}), false)

	assert.Equal(t, v1.Covers(v2), false)
	v1.Merge(v2)
	assert.Equal(t, v1[a], uint64(3))
	assert.Equal(t, v1[b], uint64(5))
	assert.Equal(t, v1.Covers(v2), true)

	clone := v1.Clone()
	clone[a] = 100
	assert.Equal(t, v1[a], uint64(3))
}
