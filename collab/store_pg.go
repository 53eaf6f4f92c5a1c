package collab

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres backing for the working files and the version records

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS working_files (
			project_id TEXT NOT NULL,
			file_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (project_id, file_id)
		);

		CREATE TABLE IF NOT EXISTS versions (
			version_id UUID PRIMARY KEY,
			project_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			message TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS versions_project_created
			ON versions (project_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS version_files (
			version_id UUID NOT NULL REFERENCES versions (version_id),
			file_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (version_id, file_id)
		);
	`)
	return err
}

type PgFileStore struct {
	pool *pgxpool.Pool
}

func NewPgFileStore(pool *pgxpool.Pool) *PgFileStore {
	return &PgFileStore{
		pool: pool,
	}
}

func (self *PgFileStore) GetWorkingFile(ctx context.Context, projectId string, fileId string) (*WorkingFile, error) {
	file := &WorkingFile{
		ProjectId: projectId,
		FileId:    fileId,
	}
	err := self.pool.QueryRow(
		ctx,
		`
			SELECT name, content, updated_at
			FROM working_files
			WHERE project_id = $1 AND file_id = $2
		`,
		projectId,
		fileId,
	).Scan(&file.Name, &file.Content, &file.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return file, nil
}

// upsert, so re-running the same overwrite converges on the same row
func (self *PgFileStore) SetWorkingFile(ctx context.Context, file *WorkingFile) error {
	_, err := self.pool.Exec(
		ctx,
		`
			INSERT INTO working_files (project_id, file_id, name, content, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, file_id) DO UPDATE
			SET name = $3, content = $4, updated_at = $5
		`,
		file.ProjectId,
		file.FileId,
		file.Name,
		file.Content,
		time.Now(),
	)
	return err
}

func (self *PgFileStore) ListFiles(ctx context.Context, projectId string) ([]*WorkingFile, error) {
	rows, err := self.pool.Query(
		ctx,
		`
			SELECT file_id, name, content, updated_at
			FROM working_files
			WHERE project_id = $1
			ORDER BY file_id
		`,
		projectId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []*WorkingFile{}
	for rows.Next() {
		file := &WorkingFile{
			ProjectId: projectId,
		}
		if err := rows.Scan(&file.FileId, &file.Name, &file.Content, &file.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func (self *PgFileStore) Ping(ctx context.Context) error {
	return self.pool.Ping(ctx)
}

type PgVersionStore struct {
	pool *pgxpool.Pool
}

func NewPgVersionStore(pool *pgxpool.Pool) *PgVersionStore {
	return &PgVersionStore{
		pool: pool,
	}
}

// the version row and all of its file rows commit atomically
func (self *PgVersionStore) CreateVersionRecord(ctx context.Context, version *Version) error {
	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(
		ctx,
		`
			INSERT INTO versions (version_id, project_id, created_at, message)
			VALUES ($1, $2, $3, $4)
		`,
		version.Id.String(),
		version.ProjectId,
		version.CreatedAt,
		version.Message,
	)
	if err != nil {
		return err
	}

	for _, file := range version.Files {
		_, err = tx.Exec(
			ctx,
			`
				INSERT INTO version_files (version_id, file_id, name, content)
				VALUES ($1, $2, $3, $4)
			`,
			version.Id.String(),
			file.FileId,
			file.Name,
			file.Content,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (self *PgVersionStore) GetVersion(ctx context.Context, versionId Id) (*Version, error) {
	version := &Version{
		Id: versionId,
	}
	err := self.pool.QueryRow(
		ctx,
		`
			SELECT project_id, created_at, message
			FROM versions
			WHERE version_id = $1
		`,
		versionId.String(),
	).Scan(&version.ProjectId, &version.CreatedAt, &version.Message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}

	rows, err := self.pool.Query(
		ctx,
		`
			SELECT file_id, name, content
			FROM version_files
			WHERE version_id = $1
			ORDER BY file_id
		`,
		versionId.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		file := VersionFile{}
		if err := rows.Scan(&file.FileId, &file.Name, &file.Content); err != nil {
			return nil, err
		}
		version.Files = append(version.Files, file)
	}
	return version, rows.Err()
}

// newest first. file contents are not loaded for listings.
func (self *PgVersionStore) ListVersions(ctx context.Context, projectId string) ([]*Version, error) {
	rows, err := self.pool.Query(
		ctx,
		`
			SELECT version_id, created_at, message
			FROM versions
			WHERE project_id = $1
			ORDER BY created_at DESC
		`,
		projectId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := []*Version{}
	for rows.Next() {
		version := &Version{
			ProjectId: projectId,
		}
		var versionIdStr string
		if err := rows.Scan(&versionIdStr, &version.CreatedAt, &version.Message); err != nil {
			return nil, err
		}
		versionId, err := ParseId(versionIdStr)
		if err != nil {
			return nil, err
		}
		version.Id = versionId
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func (self *PgVersionStore) Ping(ctx context.Context) error {
	return self.pool.Ping(ctx)
}
