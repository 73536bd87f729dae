package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/google/uuid"
)

// RevisionDefinitions returns the scan record of a revision or ErrNotFound
// if it was never scanned.
func (s *Store) RevisionDefinitions(ctx context.Context, sourceID, revisionID string) ([]model.DefinitionVersion, error) {
	var raw string
	row := s.db.QueryRowContext(ctx,
		`SELECT definitions FROM revisions WHERE source_id=? AND revision_id=?`, sourceID, revisionID)
	if err := row.Scan(&raw); err != nil {
		return nil, notFound(err, "revision", revisionID)
	}
	ret := []model.DefinitionVersion{}
	if err := json.Unmarshal([]byte(raw), &ret); err != nil {
		return nil, fmt.Errorf("decoding scan record: %w", err)
	}
	return ret, nil
}

// StoreRevision writes the scan record of a revision, replacing the
// previous one.
func (s *Store) StoreRevision(ctx context.Context, sourceID, revisionID string, definitions []model.DefinitionVersion) error {
	if definitions == nil {
		definitions = []model.DefinitionVersion{}
	}
	b, err := json.Marshal(definitions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO revisions (source_id, revision_id, definitions, updated) VALUES (?,?,?,?)
		 ON CONFLICT (source_id, revision_id) DO UPDATE SET definitions=excluded.definitions, updated=excluded.updated`,
		sourceID, revisionID, string(b), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// StoreReport persists r. A missing ID and creation time are filled in.
func (s *Store) StoreReport(ctx context.Context, r *model.ScanReport) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Created.IsZero() {
		r.Created = time.Now().UTC()
	}
	checks := r.Checks
	if checks == nil {
		checks = []model.CheckResult{}
	}
	b, err := json.Marshal(checks)
	if err != nil {
		return err
	}
	result, err := r.Result().MarshalText()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (id, definition_id, source_id, revision_id, revision_name, branch, created, result, checks)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		r.ID, r.DefinitionID, r.SourceID, r.RevisionID, r.RevisionName, r.Branch,
		r.Created.UnixMilli(), string(result), string(b))
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// ReportFilter narrows Reports, empty fields match everything.
type ReportFilter struct {
	DefinitionID string
	SourceID     string
	Limit        int
}

// Reports returns the reports matching f, newest first.
func (s *Store) Reports(ctx context.Context, f ReportFilter) ([]model.ScanReport, error) {
	var where []string
	var args []any
	if f.DefinitionID != "" {
		where = append(where, "definition_id=?")
		args = append(args, f.DefinitionID)
	}
	if f.SourceID != "" {
		where = append(where, "source_id=?")
		args = append(args, f.SourceID)
	}
	query := `SELECT id, definition_id, source_id, revision_id, revision_name, branch, created, checks FROM reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	ret := []model.ScanReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

func (s *Store) Report(ctx context.Context, id string) (model.ScanReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, source_id, revision_id, revision_name, branch, created, checks FROM reports WHERE id=?`, id)
	r, err := scanReport(row)
	if err != nil {
		return model.ScanReport{}, notFound(err, "report", id)
	}
	return r, nil
}

func scanReport(row scanner) (model.ScanReport, error) {
	var r model.ScanReport
	var created int64
	var checks string
	if err := row.Scan(&r.ID, &r.DefinitionID, &r.SourceID, &r.RevisionID, &r.RevisionName, &r.Branch, &created, &checks); err != nil {
		return model.ScanReport{}, err
	}
	r.Created = time.UnixMilli(created).UTC()
	if err := json.Unmarshal([]byte(checks), &r.Checks); err != nil {
		return model.ScanReport{}, fmt.Errorf("decoding report %s: %w", r.ID, err)
	}
	return r, nil
}
