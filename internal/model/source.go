package model

import (
	"encoding/json"
)

// Source is a repository to poll, accessed through the repository plugin
// PluginID configured with Options.
type Source struct {
	ID       string          `json:"id"`
	Name     string          `json:"name" validate:"required,max=256"`
	Version  int             `json:"version"`
	PluginID string          `json:"pluginId" validate:"required"`
	Options  json.RawMessage `json:"options,omitempty"`
}

type SourceGroup struct {
	ID        string   `json:"id"`
	Name      string   `json:"name" validate:"required,max=256"`
	Version   int      `json:"version"`
	SourceIDs []string `json:"sourceIds" validate:"dive,required"`
}

// Definition binds the checks to run to every source of a group. Version
// is incremented on every stored edit.
type Definition struct {
	ID            string  `json:"id"`
	Name          string  `json:"name" validate:"required,max=256"`
	Version       int     `json:"version"`
	SourceGroupID string  `json:"sourceGroupId" validate:"required"`
	Checks        []Check `json:"checks" validate:"dive"`
}

type Check struct {
	Name     string          `json:"name" validate:"required"`
	PluginID string          `json:"pluginId" validate:"required"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// DefinitionVersion is one entry of a scan record.
type DefinitionVersion struct {
	DefinitionID string `json:"definitionId"`
	Version      int    `json:"version"`
}
