package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// point-in-time capture and all-or-nothing restore of a project's files.
// create snapshots durable content, never live crdt state: every open room
// of the project is flushed first, so in-flight edits are never silently
// excluded. restore overwrites every working file, then resets every live
// room so in-memory and durable state never diverge.
type VersionManager struct {
	registry     *Registry
	fileStore    FileStore
	versionStore VersionStore
}

func NewVersionManager(registry *Registry, fileStore FileStore, versionStore VersionStore) *VersionManager {
	return &VersionManager{
		registry:     registry,
		fileStore:    fileStore,
		versionStore: versionStore,
	}
}

func (self *VersionManager) CreateVersion(ctx context.Context, projectId string, message string) (*Version, error) {
	// flush first. snapshotting without this risks excluding in-flight edits.
	for _, room := range self.registry.ProjectRooms(projectId) {
		if err := room.FlushNow(ctx); err != nil {
			return nil, err
		}
	}

	files, err := self.fileStore.ListFiles(ctx, projectId)
	if err != nil {
		return nil, &PersistenceError{DocumentId: DocumentId{ProjectId: projectId}, Op: "list", Err: err}
	}

	version := &Version{
		Id:        NewId(),
		ProjectId: projectId,
		CreatedAt: time.Now(),
		Message:   message,
		Files:     make([]VersionFile, 0, len(files)),
	}
	for _, file := range files {
		version.Files = append(version.Files, VersionFile{
			FileId:  file.FileId,
			Name:    file.Name,
			Content: file.Content,
		})
	}

	if err := self.versionStore.CreateVersionRecord(ctx, version); err != nil {
		return nil, err
	}
	glog.Infof("[version]%s created %s with %d files\n", projectId, version.Id, len(version.Files))
	return version, nil
}

// all-or-nothing across the whole file set. any overwrite failure fails the
// whole restore; the overwrite step is idempotent, so callers retry the
// restore as a unit. live rooms are only reset after every overwrite
// succeeded, so sessions never observe a half-restored project.
func (self *VersionManager) RestoreVersion(ctx context.Context, versionId Id) ([]string, error) {
	version, err := self.versionStore.GetVersion(ctx, versionId)
	if err != nil {
		return nil, err
	}

	// overwrite durable state. files with a live room go through the room's
	// flusher so the overwrite serializes with any in-flight flush.
	liveRooms := map[string]*Room{}
	for _, file := range version.Files {
		docId := DocumentId{ProjectId: version.ProjectId, FileId: file.FileId}
		if room := self.registry.Room(docId); room != nil {
			if err := room.flusher.Overwrite(ctx, file.Content); err != nil {
				return nil, &RestoreError{VersionId: versionId, FileId: file.FileId, Err: err}
			}
			liveRooms[file.FileId] = room
		} else {
			err := self.fileStore.SetWorkingFile(ctx, &WorkingFile{
				ProjectId: version.ProjectId,
				FileId:    file.FileId,
				Name:      file.Name,
				Content:   file.Content,
			})
			if err != nil {
				return nil, &RestoreError{VersionId: versionId, FileId: file.FileId, Err: err}
			}
		}
	}

	// durable state is consistent: reset the live rooms and force every
	// session back through the sync handshake
	affected := make([]string, 0, len(version.Files))
	for _, file := range version.Files {
		affected = append(affected, file.FileId)
		if room, ok := liveRooms[file.FileId]; ok {
			room.reseed(file.Content)
			room.broadcast(ResetMessage(), nil)
			room.relayPublish(ResetMessage())
		}
	}

	glog.Infof("[version]%s restored %s (%d files)\n", version.ProjectId, versionId, len(affected))
	return affected, nil
}

func (self *VersionManager) GetVersion(ctx context.Context, versionId Id) (*Version, error) {
	return self.versionStore.GetVersion(ctx, versionId)
}

func (self *VersionManager) ListVersions(ctx context.Context, projectId string) ([]*Version, error) {
	return self.versionStore.ListVersions(ctx, projectId)
}
