package collab

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func TestCreateVersionIncludesLiveEdits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFileStore()
	seedFile(ctx, store, "p1", "main.tex", "hello")
	seedFile(ctx, store, "p1", "refs.bib", "@book{}")
	seedFile(ctx, store, "p2", "other.tex", "other")
	registry := newTestRegistry(ctx, store)
	defer registry.Close()
	versionStore := NewMemoryVersionStore()
	versions := NewVersionManager(registry, store, versionStore)

	// an in-flight edit that has not been flushed yet
	docId, _ := NewDocumentId("p1", "main.tex")
	session, _ := registry.Connect(ctx, docId, testPrincipal("ada"), NewId())
	room := registry.Room(docId)
	reply := room.SyncStep(session, StateVector{})
	doc := NewDoc(*reply.Replica)
	doc.Merge(reply.Ops)
	ops, _ := doc.InsertAt(5, " world")
	room.MergeUpdate(session, ops)

	version, err := versions.CreateVersion(ctx, "p1", "before refactor")
	assert.Equal(t, err, nil)
	assert.Equal(t, version.ProjectId, "p1")
	assert.Equal(t, version.Message, "before refactor")

	// the snapshot has only this project's files, with the live edit included
	assert.Equal(t, len(version.Files), 2)
	assert.Equal(t, version.Files[0].FileId, "main.tex")
	assert.Equal(t, version.Files[0].Content, "hello world")
	assert.Equal(t, version.Files[1].FileId, "refs.bib")
}

func TestVersionIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFileStore()
	seedFile(ctx, store, "p1", "main.tex", "v1 content")
	registry := newTestRegistry(ctx, store)
	defer registry.Close()
	versionStore := NewMemoryVersionStore()
	versions := NewVersionManager(registry, store, versionStore)

	v1, err := versions.CreateVersion(ctx, "p1", "")
	assert.Equal(t, err, nil)

	seedFile(ctx, store, "p1", "main.tex", "v2 content")
	v2, err := versions.CreateVersion(ctx, "p1", "")
	assert.Equal(t, err, nil)

	// later edits never leak into an existing version
	got1, err := versions.GetVersion(ctx, v1.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, got1.Files[0].Content, "v1 content")
	got2, _ := versions.GetVersion(ctx, v2.Id)
	assert.Equal(t, got2.Files[0].Content, "v2 content")

	// newest first
	list, err := versions.ListVersions(ctx, "p1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(list), 2)
	assert.Equal(t, list[0].CreatedAt.Before(list[1].CreatedAt), false)
}

func TestRestoreVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFileStore()
	seedFile(ctx, store, "p1", "main.tex", "original")
	seedFile(ctx, store, "p1", "refs.bib", "@book{}")
	registry := newTestRegistry(ctx, store)
	defer registry.Close()
	versionStore := NewMemoryVersionStore()
	versions := NewVersionManager(registry, store, versionStore)

	v1, err := versions.CreateVersion(ctx, "p1", "good state")
	assert.Equal(t, err, nil)

	// the live room drifts past the version
	docId, _ := NewDocumentId("p1", "main.tex")
	session, _ := registry.Connect(ctx, docId, testPrincipal("ada"), NewId())
	room := registry.Room(docId)
	reply := room.SyncStep(session, StateVector{})
	doc := NewDoc(*reply.Replica)
	doc.Merge(reply.Ops)
	ops, _ := doc.InsertAt(8, " plus junk")
	room.MergeUpdate(session, ops)
	room.FlushNow(ctx)
	seedFile(ctx, store, "p1", "refs.bib", "@article{}")

	affected, err := versions.RestoreVersion(ctx, v1.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(affected), 2)

	// durable state is back to the version for every file
	mainFile, _ := store.GetWorkingFile(ctx, "p1", "main.tex")
	assert.Equal(t, mainFile.Content, "original")
	refsFile, _ := store.GetWorkingFile(ctx, "p1", "refs.bib")
	assert.Equal(t, refsFile.Content, "@book{}")

	// the live room was reseeded and the session resyncs
	assert.Equal(t, room.Materialize(), "original")
	expectMessage(t, session, MessageTypeReset)
	assert.Equal(t, session.State(), SessionStateSyncStep1)

	// restoring the same version again converges on the same state
	_, err = versions.RestoreVersion(ctx, v1.Id)
	assert.Equal(t, err, nil)
	mainFile, _ = store.GetWorkingFile(ctx, "p1", "main.tex")
	assert.Equal(t, mainFile.Content, "original")
}

func TestRestoreVersionNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFileStore()
	registry := newTestRegistry(ctx, store)
	defer registry.Close()
	versions := NewVersionManager(registry, store, NewMemoryVersionStore())

	_, err := versions.RestoreVersion(ctx, NewId())
	assert.Equal(t, errors.Is(err, ErrVersionNotFound), true)
}

func TestRestoreVersionFailure(t *testing.T) {
	ctx := context.Background()
	store := newFlakyFileStore()
	seedFile(ctx, store, "p1", "main.tex", "original")
	bridge := NewBridgeWithSettings(store, testPersistenceSettings())
	registry := NewRegistry(ctx, bridge, nil, testRoomSettings())
	defer registry.Close()
	versionStore := NewMemoryVersionStore()
	versions := NewVersionManager(registry, store, versionStore)

	v1, err := versions.CreateVersion(ctx, "p1", "")
	assert.Equal(t, err, nil)

	seedFile(ctx, store, "p1", "main.tex", "drifted")

	// with no live room the overwrite hits the store directly and fails
	store.fail(100)
	_, err = versions.RestoreVersion(ctx, v1.Id)
	restoreErr := &RestoreError{}
	assert.Equal(t, errors.As(err, &restoreErr), true)
	assert.Equal(t, restoreErr.FileId, "main.tex")

	// the store recovers and the retried restore succeeds as a unit
	store.fail(0)
	_, err = versions.RestoreVersion(ctx, v1.Id)
	assert.Equal(t, err, nil)
	file, _ := store.GetWorkingFile(ctx, "p1", "main.tex")
	assert.Equal(t, file.Content, "original")
}
