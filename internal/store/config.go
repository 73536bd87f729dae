package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/google/uuid"
)

// Sources returns all sources ordered by id.
func (s *Store) Sources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, plugin_id, options FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	ret := []model.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, src)
	}
	return ret, rows.Err()
}

func (s *Store) Source(ctx context.Context, id string) (model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, plugin_id, options FROM sources WHERE id=?`, id)
	src, err := scanSource(row)
	if err != nil {
		return model.Source{}, notFound(err, "source", id)
	}
	return src, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (model.Source, error) {
	var src model.Source
	var options sql.NullString
	if err := row.Scan(&src.ID, &src.Name, &src.Version, &src.PluginID, &options); err != nil {
		return model.Source{}, err
	}
	if options.Valid {
		src.Options = []byte(options.String)
	}
	return src, nil
}

// CreateSource stores a new source with a generated id and version 1.
func (s *Store) CreateSource(ctx context.Context, src model.Source) (model.Source, error) {
	src.ID = uuid.NewString()
	src.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, version, plugin_id, options) VALUES (?,?,?,?,?)`,
		src.ID, src.Name, src.Version, src.PluginID, nullJSON(src.Options))
	if err != nil {
		return model.Source{}, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return src, nil
}

// UpdateSource replaces the source and increments its version.
func (s *Store) UpdateSource(ctx context.Context, src model.Source) (model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE sources SET name=?, plugin_id=?, options=?, version=version+1 WHERE id=? RETURNING version`,
		src.Name, src.PluginID, nullJSON(src.Options), src.ID)
	if err := row.Scan(&src.Version); err != nil {
		return model.Source{}, notFound(err, "source", src.ID)
	}
	return src, nil
}

// DeleteSource removes the source and its memberships.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("source %s: %w", id, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM source_group_members WHERE source_id=?`, id)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		return nil
	})
}

// SourceGroups returns all groups ordered by id.
func (s *Store) SourceGroups(ctx context.Context) ([]model.SourceGroup, error) {
	var ret []model.SourceGroup
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, name, version FROM source_groups ORDER BY id`)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		ret = []model.SourceGroup{}
		for rows.Next() {
			var g model.SourceGroup
			if err := rows.Scan(&g.ID, &g.Name, &g.Version); err != nil {
				_ = rows.Close()
				return err
			}
			ret = append(ret, g)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for i := range ret {
			if ret[i].SourceIDs, err = members(ctx, tx, ret[i].ID); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	return ret, err
}

func (s *Store) SourceGroup(ctx context.Context, id string) (model.SourceGroup, error) {
	var g model.SourceGroup
	err := s.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id, name, version FROM source_groups WHERE id=?`, id)
		if err := row.Scan(&g.ID, &g.Name, &g.Version); err != nil {
			return notFound(err, "source group", id)
		}
		var err error
		g.SourceIDs, err = members(ctx, tx, id)
		return err
	})
	return g, err
}

func members(ctx context.Context, tx *sql.Tx, groupID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT source_id FROM source_group_members WHERE group_id=? ORDER BY position`, groupID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	ret := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ret = append(ret, id)
	}
	return ret, rows.Err()
}

func setMembers(ctx context.Context, tx *sql.Tx, g model.SourceGroup) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM source_group_members WHERE group_id=?`, g.ID); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	for i, id := range g.SourceIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_group_members (group_id, position, source_id) VALUES (?,?,?)`, g.ID, i, id)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateSourceGroup(ctx context.Context, g model.SourceGroup) (model.SourceGroup, error) {
	g.ID = uuid.NewString()
	g.Version = 1
	err := s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_groups (id, name, version) VALUES (?,?,?)`, g.ID, g.Name, g.Version)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return setMembers(ctx, tx, g)
	})
	if err != nil {
		return model.SourceGroup{}, err
	}
	return g, nil
}

func (s *Store) UpdateSourceGroup(ctx context.Context, g model.SourceGroup) (model.SourceGroup, error) {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`UPDATE source_groups SET name=?, version=version+1 WHERE id=? RETURNING version`, g.Name, g.ID)
		if err := row.Scan(&g.Version); err != nil {
			return notFound(err, "source group", g.ID)
		}
		return setMembers(ctx, tx, g)
	})
	if err != nil {
		return model.SourceGroup{}, err
	}
	return g, nil
}

func (s *Store) DeleteSourceGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM source_groups WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source group %s: %w", id, ErrNotFound)
	}
	return nil
}

// Definitions returns all definitions with their checks, ordered by id.
func (s *Store) Definitions(ctx context.Context) ([]model.Definition, error) {
	var ret []model.Definition
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, name, version, source_group_id FROM definitions ORDER BY id`)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		ret = []model.Definition{}
		for rows.Next() {
			var d model.Definition
			if err := rows.Scan(&d.ID, &d.Name, &d.Version, &d.SourceGroupID); err != nil {
				_ = rows.Close()
				return err
			}
			ret = append(ret, d)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for i := range ret {
			if ret[i].Checks, err = checks(ctx, tx, ret[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
	return ret, err
}

func (s *Store) Definition(ctx context.Context, id string) (model.Definition, error) {
	var d model.Definition
	err := s.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, name, version, source_group_id FROM definitions WHERE id=?`, id)
		if err := row.Scan(&d.ID, &d.Name, &d.Version, &d.SourceGroupID); err != nil {
			return notFound(err, "definition", id)
		}
		var err error
		d.Checks, err = checks(ctx, tx, id)
		return err
	})
	return d, err
}

func checks(ctx context.Context, tx *sql.Tx, definitionID string) ([]model.Check, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT name, plugin_id, options FROM definition_checks WHERE definition_id=? ORDER BY position`,
		definitionID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	ret := []model.Check{}
	for rows.Next() {
		var c model.Check
		var options sql.NullString
		if err := rows.Scan(&c.Name, &c.PluginID, &options); err != nil {
			return nil, err
		}
		if options.Valid {
			c.Options = []byte(options.String)
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

func setChecks(ctx context.Context, tx *sql.Tx, d model.Definition) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM definition_checks WHERE definition_id=?`, d.ID); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	for i, c := range d.Checks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO definition_checks (definition_id, position, name, plugin_id, options) VALUES (?,?,?,?,?)`,
			d.ID, i, c.Name, c.PluginID, nullJSON(c.Options))
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateDefinition(ctx context.Context, d model.Definition) (model.Definition, error) {
	d.ID = uuid.NewString()
	d.Version = 1
	err := s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO definitions (id, name, version, source_group_id) VALUES (?,?,?,?)`,
			d.ID, d.Name, d.Version, d.SourceGroupID)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return setChecks(ctx, tx, d)
	})
	if err != nil {
		return model.Definition{}, err
	}
	return d, nil
}

// UpdateDefinition replaces the definition and its checks and increments
// its version.
func (s *Store) UpdateDefinition(ctx context.Context, d model.Definition) (model.Definition, error) {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`UPDATE definitions SET name=?, source_group_id=?, version=version+1 WHERE id=? RETURNING version`,
			d.Name, d.SourceGroupID, d.ID)
		if err := row.Scan(&d.Version); err != nil {
			return notFound(err, "definition", d.ID)
		}
		return setChecks(ctx, tx, d)
	})
	if err != nil {
		return model.Definition{}, err
	}
	return d, nil
}

func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}
