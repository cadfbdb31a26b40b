package task

import (
	"context"
	"errors"

	"github.com/immune-gmbh/dsas/pkg/docfile"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// Repository loads and persists task documents and mirrors their
// indexed fields into the relational index. Callers are expected to
// hold the lock of the parent analysis around a load/modify/save cycle.
type Repository struct {
	docs  *docfile.Store
	paths *workdir.Root
	index *storage.Storage
}

// NewRepository ties a document store and the relational index to the
// given work directory layout.
func NewRepository(docs *docfile.Store, paths *workdir.Root, index *storage.Storage) *Repository {
	return &Repository{docs: docs, paths: paths, index: index}
}

// Load reads the task document of the given id.
func (repo *Repository) Load(id string) (*Task, error) {
	if !workdir.ValidTaskID(id) {
		return nil, workdir.ErrInvalidID{ID: id}
	}
	var t Task
	if err := repo.docs.Load(repo.paths.Task(id).Document(), &t); err != nil {
		return nil, err
	}
	t.loadedState = t.State
	t.loadedScore = t.Score
	t.loadedNode = t.Node
	return &t, nil
}

// Save writes the task document back and, if an indexed field moved,
// updates the index row.
func (repo *Repository) Save(ctx context.Context, t *Task) error {
	if err := repo.docs.Save(repo.paths.Task(t.ID).Document(), t); err != nil {
		return err
	}
	if t.State == t.loadedState && t.Score == t.loadedScore && t.Node == t.loadedNode {
		return nil
	}

	upd := storage.TaskUpdate{}
	if t.State != t.loadedState {
		upd.State = &t.State
	}
	if t.Score != t.loadedScore {
		upd.Score = &t.Score
	}
	if t.Node != t.loadedNode {
		upd.Node = &t.Node
		upd.Machine = &t.Machine
	}
	if err := repo.index.UpdateTask(ctx, t.ID, upd); err != nil {
		return err
	}
	t.loadedState = t.State
	t.loadedScore = t.Score
	t.loadedNode = t.Node
	return nil
}

// LoadReport reads the post-processing stage result of the task. A
// missing artifact is reported as docfile.ErrNotExist.
func (repo *Repository) LoadReport(id string) (*Report, error) {
	var report Report
	if err := repo.docs.Load(repo.paths.Task(id).Report(), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// IsMissingReport reports whether err means the report artifact was
// never written.
func IsMissingReport(err error) bool {
	var notExist docfile.ErrNotExist
	return errors.As(err, &notExist)
}
