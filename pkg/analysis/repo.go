package analysis

import (
	"context"
	"errors"

	"github.com/immune-gmbh/dsas/pkg/docfile"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// Repository loads and persists analysis documents and mirrors their
// indexed fields into the relational index. Callers are expected to
// hold the per-analysis lock around a load/modify/save cycle.
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

// Load reads the analysis document of the given id.
func (repo *Repository) Load(id string) (*Analysis, error) {
	if !workdir.ValidAnalysisID(id) {
		return nil, workdir.ErrInvalidID{ID: id}
	}
	var a Analysis
	if err := repo.docs.Load(repo.paths.Analysis(id).Document(), &a); err != nil {
		return nil, err
	}
	a.loadedState = a.State
	a.loadedScore = a.Score
	return &a, nil
}

// Save writes the analysis document back and, if state or score moved,
// updates the index row.
func (repo *Repository) Save(ctx context.Context, a *Analysis) error {
	if err := repo.docs.Save(repo.paths.Analysis(a.ID).Document(), a); err != nil {
		return err
	}
	if a.State == a.loadedState && a.Score == a.loadedScore {
		return nil
	}

	upd := storage.AnalysisUpdate{}
	if a.State != a.loadedState {
		upd.State = &a.State
	}
	if a.Score != a.loadedScore {
		upd.Score = &a.Score
	}
	if err := repo.index.UpdateAnalysis(ctx, a.ID, upd); err != nil {
		return err
	}
	a.loadedState = a.State
	a.loadedScore = a.Score
	return nil
}

// Track registers a freshly discovered analysis in the index. The
// document itself was written by the submission side already.
func (repo *Repository) Track(ctx context.Context, a *Analysis) error {
	return repo.index.UpsertAnalyses(ctx, storage.AnalysisRow{
		ID:        a.ID,
		Kind:      a.Kind,
		CreatedOn: a.CreatedOn,
		State:     a.State,
		Priority:  a.Settings.Priority,
		Score:     a.Score,
	})
}

// LoadIdentification reads the identification stage result of the
// analysis. A missing artifact is reported as docfile.ErrNotExist.
func (repo *Repository) LoadIdentification(id string) (*Identification, error) {
	var ident Identification
	if err := repo.docs.Load(repo.paths.Analysis(id).Ident(), &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

// LoadPre reads the pre-processing stage result of the analysis.
func (repo *Repository) LoadPre(id string) (*Pre, error) {
	var pre Pre
	if err := repo.docs.Load(repo.paths.Analysis(id).Pre(), &pre); err != nil {
		return nil, err
	}
	return &pre, nil
}

// IsMissingArtifact reports whether err means a stage result artifact
// was never written.
func IsMissingArtifact(err error) bool {
	var notExist docfile.ErrNotExist
	return errors.As(err, &notExist)
}
