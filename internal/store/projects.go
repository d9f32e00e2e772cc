// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
)

// CreateProject inserts a new Project, generating its id.
func (b *Backend) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := b.exec(ctx, `?[id, name, owner, created_at, linked_tm_id] <- [[$id, $name, $owner, $created_at, $linked_tm_id]]
		:put ldm_project { id => name, owner, created_at, linked_tm_id }`,
		map[string]any{
			"id": p.ID, "name": p.Name, "owner": p.Owner,
			"created_at": float64(p.CreatedAt.Unix()), "linked_tm_id": p.LinkedTMID,
		})
	if err != nil {
		return model.Project{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "create project")
	}
	return p, nil
}

// GetProject fetches a Project by id.
func (b *Backend) GetProject(ctx context.Context, id string) (model.Project, error) {
	result, err := b.query(ctx, `?[name, owner, created_at, linked_tm_id] := *ldm_project{id, name, owner, created_at, linked_tm_id}, id = $id`,
		map[string]any{"id": id})
	if err != nil {
		return model.Project{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "get project")
	}
	if len(result.Rows) == 0 {
		return model.Project{}, ldmerrors.NotFound("project %s not found", id)
	}
	row := result.Rows[0]
	name, _ := row[0].(string)
	owner, _ := row[1].(string)
	created, _ := row[2].(float64)
	linked, _ := row[3].(string)
	return model.Project{
		ID: id, Name: name, Owner: owner,
		CreatedAt: time.Unix(int64(created), 0), LinkedTMID: linked,
	}, nil
}

// RenameProject updates a Project's name.
func (b *Backend) RenameProject(ctx context.Context, id, name string) error {
	p, err := b.GetProject(ctx, id)
	if err != nil {
		return err
	}
	p.Name = name
	_, err = b.CreateProject(ctx, p)
	return err
}

// ListProjects returns every Project, ordered by name.
func (b *Backend) ListProjects(ctx context.Context) ([]model.Project, error) {
	result, err := b.query(ctx, `?[id, name, owner, created_at, linked_tm_id] := *ldm_project{id, name, owner, created_at, linked_tm_id} :order name`, nil)
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "list projects")
	}
	out := make([]model.Project, 0, len(result.Rows))
	for _, row := range result.Rows {
		id, _ := row[0].(string)
		name, _ := row[1].(string)
		owner, _ := row[2].(string)
		created, _ := row[3].(float64)
		linked, _ := row[4].(string)
		out = append(out, model.Project{
			ID: id, Name: name, Owner: owner,
			CreatedAt: time.Unix(int64(created), 0), LinkedTMID: linked,
		})
	}
	return out, nil
}

// CreateFolder inserts a new Folder.
func (b *Backend) CreateFolder(ctx context.Context, f model.Folder) (model.Folder, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := b.exec(ctx, `?[id, project_id, parent_id, name, sort_order] <- [[$id, $project_id, $parent_id, $name, $sort_order]]
		:put ldm_folder { id => project_id, parent_id, name, sort_order }`,
		map[string]any{
			"id": f.ID, "project_id": f.ProjectID, "parent_id": f.ParentID,
			"name": f.Name, "sort_order": f.SortOrder,
		})
	if err != nil {
		return model.Folder{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "create folder")
	}
	return f, nil
}

// RenameFolder updates a Folder's name.
func (b *Backend) RenameFolder(ctx context.Context, id, name string) error {
	result, err := b.query(ctx, `?[project_id, parent_id, sort_order] := *ldm_folder{id, project_id, parent_id, name: _, sort_order}, id = $id`,
		map[string]any{"id": id})
	if err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "rename folder")
	}
	if len(result.Rows) == 0 {
		return ldmerrors.NotFound("folder %s not found", id)
	}
	row := result.Rows[0]
	projectID, _ := row[0].(string)
	parentID, _ := row[1].(string)
	sortOrder, _ := row[2].(float64)
	_, err = b.CreateFolder(ctx, model.Folder{ID: id, ProjectID: projectID, ParentID: parentID, Name: name, SortOrder: int(sortOrder)})
	return err
}

// CreateFile inserts a new File.
func (b *Backend) CreateFile(ctx context.Context, f model.File) (model.File, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := b.exec(ctx, `?[id, project_id, folder_id, name, format, row_count, source_hash] <- [[$id, $project_id, $folder_id, $name, $format, $row_count, $source_hash]]
		:put ldm_file { id => project_id, folder_id, name, format, row_count, source_hash }`,
		map[string]any{
			"id": f.ID, "project_id": f.ProjectID, "folder_id": f.FolderID, "name": f.Name,
			"format": string(f.Format), "row_count": f.RowCount, "source_hash": f.SourceHash,
		})
	if err != nil {
		return model.File{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "create file")
	}
	return f, nil
}

// RenameFile updates a File's name.
func (b *Backend) RenameFile(ctx context.Context, id, name string) error {
	f, err := b.GetFile(ctx, id)
	if err != nil {
		return err
	}
	f.Name = name
	_, err = b.CreateFile(ctx, f)
	return err
}

// GetFile fetches a File by id.
func (b *Backend) GetFile(ctx context.Context, id string) (model.File, error) {
	result, err := b.query(ctx, `?[project_id, folder_id, name, format, row_count, source_hash] := *ldm_file{id, project_id, folder_id, name, format, row_count, source_hash}, id = $id`,
		map[string]any{"id": id})
	if err != nil {
		return model.File{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "get file")
	}
	if len(result.Rows) == 0 {
		return model.File{}, ldmerrors.NotFound("file %s not found", id)
	}
	row := result.Rows[0]
	projectID, _ := row[0].(string)
	folderID, _ := row[1].(string)
	name, _ := row[2].(string)
	format, _ := row[3].(string)
	rowCount, _ := row[4].(float64)
	sourceHash, _ := row[5].(string)
	return model.File{
		ID: id, ProjectID: projectID, FolderID: folderID, Name: name,
		Format: model.FileFormat(format), RowCount: int(rowCount), SourceHash: sourceHash,
	}, nil
}

// DeleteFile removes a File and cascades to its Rows, mirroring the
// teacher's DeleteEntitiesForFile cascade-delete shape.
func (b *Backend) DeleteFile(ctx context.Context, id string) error {
	queries := []string{
		`?[rid] := *ldm_row{id: rid, file_id}, file_id = $id :rm ldm_row {id: rid}`,
		`?[id] := *ldm_file{id}, id = $id :rm ldm_file {id}`,
	}
	for _, q := range queries {
		if _, err := b.exec(ctx, q, map[string]any{"id": id}); err != nil {
			return ldmerrors.Wrap(ldmerrors.KindInternal, err, "delete file")
		}
	}
	return nil
}

// GetProjectTree returns a project's folders and files for the
// `get_project_tree` inbound request.
func (b *Backend) GetProjectTree(ctx context.Context, projectID string) ([]model.Folder, []model.File, error) {
	fres, err := b.query(ctx, `?[id, parent_id, name, sort_order] := *ldm_folder{id, project_id, parent_id, name, sort_order}, project_id = $pid :order sort_order`,
		map[string]any{"pid": projectID})
	if err != nil {
		return nil, nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "get project tree: folders")
	}
	folders := make([]model.Folder, 0, len(fres.Rows))
	for _, row := range fres.Rows {
		id, _ := row[0].(string)
		parentID, _ := row[1].(string)
		name, _ := row[2].(string)
		sortOrder, _ := row[3].(float64)
		folders = append(folders, model.Folder{ID: id, ProjectID: projectID, ParentID: parentID, Name: name, SortOrder: int(sortOrder)})
	}

	fileRes, err := b.query(ctx, `?[id, folder_id, name, format, row_count, source_hash] := *ldm_file{id, project_id, folder_id, name, format, row_count, source_hash}, project_id = $pid :order name`,
		map[string]any{"pid": projectID})
	if err != nil {
		return nil, nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "get project tree: files")
	}
	files := make([]model.File, 0, len(fileRes.Rows))
	for _, row := range fileRes.Rows {
		id, _ := row[0].(string)
		folderID, _ := row[1].(string)
		name, _ := row[2].(string)
		format, _ := row[3].(string)
		rowCount, _ := row[4].(float64)
		sourceHash, _ := row[5].(string)
		files = append(files, model.File{
			ID: id, ProjectID: projectID, FolderID: folderID, Name: name,
			Format: model.FileFormat(format), RowCount: int(rowCount), SourceHash: sourceHash,
		})
	}
	return folders, files, nil
}
