package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// external storage contracts. the sync service owns the semantics of flushes,
// snapshots and restores but delegates row storage to these interfaces.

var ErrFileNotFound = errors.New("File not found.")
var ErrVersionNotFound = errors.New("Version not found.")

// the durable, canonical current content of one file
type WorkingFile struct {
	ProjectId string
	FileId    string
	Name      string
	Content   string
	UpdatedAt time.Time
}

type FileStore interface {
	GetWorkingFile(ctx context.Context, projectId string, fileId string) (*WorkingFile, error)
	// a full, idempotent overwrite keyed by (projectId, fileId).
	// idempotence makes whole-unit restore retries safe.
	SetWorkingFile(ctx context.Context, file *WorkingFile) error
	ListFiles(ctx context.Context, projectId string) ([]*WorkingFile, error)
}

// immutable: a deep copy of every project file at creation time
type Version struct {
	Id        Id            `json:"versionId"`
	ProjectId string        `json:"projectId"`
	CreatedAt time.Time     `json:"createdAt"`
	Message   string        `json:"message,omitempty"`
	Files     []VersionFile `json:"files"`
}

type VersionFile struct {
	FileId  string `json:"fileId"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type VersionStore interface {
	CreateVersionRecord(ctx context.Context, version *Version) error
	GetVersion(ctx context.Context, versionId Id) (*Version, error)
	ListVersions(ctx context.Context, projectId string) ([]*Version, error)
}

// in-memory stores, used by tests and by collabd when no database is wired

type MemoryFileStore struct {
	stateLock sync.Mutex
	files     map[DocumentId]*WorkingFile
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{
		files: map[DocumentId]*WorkingFile{},
	}
}

func (self *MemoryFileStore) GetWorkingFile(ctx context.Context, projectId string, fileId string) (*WorkingFile, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	file, ok := self.files[DocumentId{ProjectId: projectId, FileId: fileId}]
	if !ok {
		return nil, ErrFileNotFound
	}
	out := *file
	return &out, nil
}

func (self *MemoryFileStore) SetWorkingFile(ctx context.Context, file *WorkingFile) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored := *file
	stored.UpdatedAt = time.Now()
	self.files[DocumentId{ProjectId: file.ProjectId, FileId: file.FileId}] = &stored
	return nil
}

func (self *MemoryFileStore) ListFiles(ctx context.Context, projectId string) ([]*WorkingFile, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	files := []*WorkingFile{}
	for docId, file := range self.files {
		if docId.ProjectId == projectId {
			out := *file
			files = append(files, &out)
		}
	}
	sort.Slice(files, func(i int, j int) bool {
		return files[i].FileId < files[j].FileId
	})
	return files, nil
}

type MemoryVersionStore struct {
	stateLock sync.Mutex
	versions  map[Id]*Version
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{
		versions: map[Id]*Version{},
	}
}

func (self *MemoryVersionStore) CreateVersionRecord(ctx context.Context, version *Version) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored := *version
	stored.Files = append([]VersionFile{}, version.Files...)
	self.versions[version.Id] = &stored
	return nil
}

func (self *MemoryVersionStore) GetVersion(ctx context.Context, versionId Id) (*Version, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	version, ok := self.versions[versionId]
	if !ok {
		return nil, ErrVersionNotFound
	}
	out := *version
	out.Files = append([]VersionFile{}, version.Files...)
	return &out, nil
}

func (self *MemoryVersionStore) ListVersions(ctx context.Context, projectId string) ([]*Version, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	versions := []*Version{}
	for _, version := range self.versions {
		if version.ProjectId == projectId {
			out := *version
			out.Files = append([]VersionFile{}, version.Files...)
			versions = append(versions, &out)
		}
	}
	sort.Slice(versions, func(i int, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}
