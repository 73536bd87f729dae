package service

import (
	"context"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/CZERTAINLY/CodeSniffer/internal/store"
)

// Catalog edits the configuration entities. Every successful write is
// announced to the orchestrator so its cache stays current.
type Catalog struct {
	*store.Store
	orchestrator *Orchestrator
}

func NewCatalog(st *store.Store, o *Orchestrator) *Catalog {
	return &Catalog{Store: st, orchestrator: o}
}

func (c *Catalog) CreateSource(ctx context.Context, src model.Source) (model.Source, error) {
	src, err := c.Store.CreateSource(ctx, src)
	if err != nil {
		return model.Source{}, err
	}
	c.orchestrator.SourceChanged(ctx, src)
	return src, nil
}

func (c *Catalog) UpdateSource(ctx context.Context, src model.Source) (model.Source, error) {
	src, err := c.Store.UpdateSource(ctx, src)
	if err != nil {
		return model.Source{}, err
	}
	c.orchestrator.SourceChanged(ctx, src)
	return src, nil
}

func (c *Catalog) DeleteSource(ctx context.Context, id string) error {
	if err := c.Store.DeleteSource(ctx, id); err != nil {
		return err
	}
	c.orchestrator.SourceRemoved(id)
	return nil
}

func (c *Catalog) CreateSourceGroup(ctx context.Context, g model.SourceGroup) (model.SourceGroup, error) {
	g, err := c.Store.CreateSourceGroup(ctx, g)
	if err != nil {
		return model.SourceGroup{}, err
	}
	c.orchestrator.SourceGroupChanged(g)
	return g, nil
}

func (c *Catalog) UpdateSourceGroup(ctx context.Context, g model.SourceGroup) (model.SourceGroup, error) {
	g, err := c.Store.UpdateSourceGroup(ctx, g)
	if err != nil {
		return model.SourceGroup{}, err
	}
	c.orchestrator.SourceGroupChanged(g)
	return g, nil
}

func (c *Catalog) DeleteSourceGroup(ctx context.Context, id string) error {
	if err := c.Store.DeleteSourceGroup(ctx, id); err != nil {
		return err
	}
	c.orchestrator.SourceGroupRemoved(id)
	return nil
}

func (c *Catalog) CreateDefinition(ctx context.Context, d model.Definition) (model.Definition, error) {
	d, err := c.Store.CreateDefinition(ctx, d)
	if err != nil {
		return model.Definition{}, err
	}
	c.orchestrator.DefinitionChanged(d)
	return d, nil
}

func (c *Catalog) UpdateDefinition(ctx context.Context, d model.Definition) (model.Definition, error) {
	d, err := c.Store.UpdateDefinition(ctx, d)
	if err != nil {
		return model.Definition{}, err
	}
	c.orchestrator.DefinitionChanged(d)
	return d, nil
}

func (c *Catalog) DeleteDefinition(ctx context.Context, id string) error {
	if err := c.Store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	c.orchestrator.DefinitionRemoved(id)
	return nil
}
