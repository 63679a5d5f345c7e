// Package factstore is the storage adapter consulted for consistency: an
// append-only structured fact table plus a semantic snippet index. It holds
// no business rules.
package factstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storyline/internal/domain"
	"storyline/internal/faults"
	"storyline/internal/repo"
)

// ErrNotFound is returned by CurrentValue when the slot has no entry.
var ErrNotFound = repo.ErrNotFound

// Index is the semantic similarity contract. Search returns at most k
// snippets, most relevant first. Implementations report an unreachable or
// corrupt index as faults.CodeStoreUnavailable.
type Index interface {
	Add(ctx context.Context, projectID, sourceArtifactID string, docs []string) error
	Search(ctx context.Context, projectID, query string, k int) ([]string, error)
}

// Store is the uniform interface the consistency layer reads through.
type Store interface {
	Put(ctx context.Context, entry domain.FactEntry) (domain.FactEntry, error)
	CurrentValue(ctx context.Context, projectID string, entity domain.EntityRef, attribute string) (domain.FactEntry, error)
	Current(ctx context.Context, projectID string, entity domain.EntityRef) ([]domain.FactEntry, error)
	SemanticSearch(ctx context.Context, query, projectID string, k int) ([]string, error)
	Index(ctx context.Context, projectID, sourceArtifactID string, docs []string) error
}

// SQLStore keeps structured facts in the facts table and delegates semantic
// search to Idx.
type SQLStore struct {
	Repo repo.Repo
	Idx  Index
}

func New(r repo.Repo, idx Index) *SQLStore {
	if idx == nil {
		idx = KeywordIndex{Repo: r}
	}
	return &SQLStore{Repo: r, Idx: idx}
}

// Put appends entry in its own transaction.
func (s *SQLStore) Put(ctx context.Context, entry domain.FactEntry) (domain.FactEntry, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, unavailable("begin fact write", err)
	}
	defer tx.Rollback()
	entry, err = s.PutTx(ctx, tx, entry)
	if err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, unavailable("commit fact write", err)
	}
	return entry, nil
}

// PutTx appends entry inside a transaction owned by the caller, so a whole
// commit batch lands or none of it does.
func (s *SQLStore) PutTx(ctx context.Context, tx *sql.Tx, entry domain.FactEntry) (domain.FactEntry, error) {
	if err := validate(entry); err != nil {
		return entry, err
	}
	seq, err := s.Repo.InsertFactTx(ctx, tx, entry)
	if err != nil {
		return entry, unavailable("insert fact", err)
	}
	entry.Seq = seq
	return entry, nil
}

func (s *SQLStore) CurrentValue(ctx context.Context, projectID string, entity domain.EntityRef, attribute string) (domain.FactEntry, error) {
	f, err := s.Repo.CurrentFact(ctx, nil, projectID, entity, attribute)
	if errors.Is(err, repo.ErrNotFound) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, unavailable("read current fact", err)
	}
	return f, nil
}

func (s *SQLStore) Current(ctx context.Context, projectID string, entity domain.EntityRef) ([]domain.FactEntry, error) {
	facts, err := s.Repo.CurrentFacts(ctx, nil, projectID, entity)
	if err != nil {
		return nil, unavailable("read entity facts", err)
	}
	return facts, nil
}

// SemanticSearch never returns anything but snippets or a StoreUnavailable
// error; callers fall back to degraded context on error.
func (s *SQLStore) SemanticSearch(ctx context.Context, query, projectID string, k int) ([]string, error) {
	if s.Idx == nil {
		return nil, faults.New(faults.CodeStoreUnavailable, "semantic index not configured")
	}
	if k <= 0 {
		return nil, nil
	}
	res, err := s.Idx.Search(ctx, projectID, query, k)
	if err != nil {
		return nil, asUnavailable("semantic search", err)
	}
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

func (s *SQLStore) Index(ctx context.Context, projectID, sourceArtifactID string, docs []string) error {
	if s.Idx == nil {
		return faults.New(faults.CodeStoreUnavailable, "semantic index not configured")
	}
	if err := s.Idx.Add(ctx, projectID, sourceArtifactID, docs); err != nil {
		return asUnavailable("index documents", err)
	}
	return nil
}

func validate(e domain.FactEntry) error {
	switch {
	case e.ProjectID == "":
		return faults.New(faults.CodeInvalidInput, "fact entry without project")
	case !e.Entity.Kind.Valid() || e.Entity.Name == "":
		return faults.Newf(faults.CodeInvalidInput, "invalid fact entity %q", e.Entity.String())
	case e.Attribute == "":
		return faults.New(faults.CodeInvalidInput, "fact entry without attribute")
	case e.SourceArtifactID == "":
		return faults.New(faults.CodeInvalidInput, "fact entry without source artifact")
	}
	return nil
}

func unavailable(op string, err error) error {
	return faults.Wrap(faults.CodeStoreUnavailable, op, err)
}

func asUnavailable(op string, err error) error {
	if faults.Has(err, faults.CodeStoreUnavailable) {
		return err
	}
	return unavailable(fmt.Sprintf("%s failed", op), err)
}
