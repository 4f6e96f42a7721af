// Package roster loads the declarative persona and dialect assets —
// Role, Dialect, Ethos — from a single TOML file, and exposes them
// through orchestrator.RoleCatalog. This is a second, narrower TOML
// document because roles/dialects are authored by a different set of
// people (prompt/persona owners) on a different cadence than the
// operational config.Config.
package roster

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/mcelyea/orket/internal/dialect"
	"github.com/mcelyea/orket/internal/toolparser"
)

// roleEntry is one [roles.<id>] table.
type roleEntry struct {
	SystemPrompt   string   `toml:"system_prompt"`
	ToolsAllowed   []string `toml:"tools_allowed"`
	BoundaryPolicy string   `toml:"boundary_policy"`
	Dialect        string   `toml:"dialect"`
}

// dialectEntry is one [dialects.<id>] table.
type dialectEntry struct {
	SystemWrapper  string `toml:"system_wrapper"`
	ToolCallSyntax string `toml:"tool_call_syntax"`
}

// toolEntry is one [tools.<name>] table, mirroring toolparser.ToolSpec.
type toolEntry struct {
	RequiredArgs []string `toml:"required_args"`
}

// document is the on-disk TOML shape.
type document struct {
	Ethos struct {
		Boundaries []string `toml:"boundaries"`
	} `toml:"ethos"`
	Roles    map[string]roleEntry    `toml:"roles"`
	Dialects map[string]dialectEntry `toml:"dialects"`
	Tools    map[string]toolEntry    `toml:"tools"`
}

// Roster is an in-memory, immutable resolution of roles, dialects, ethos,
// and the tool registry — everything orchestrator.RoleCatalog and
// orketflow.TurnRequest.ToolRegistry need. Safe for concurrent read access;
// nothing here mutates after Load.
type Roster struct {
	ethos    dialect.Ethos
	roles    map[string]dialect.Role
	dialects map[string]dialect.Dialect
	// roleDialect maps a role ID to the dialect ID it was declared under,
	// since orchestrator.RoleCatalog.Dialect is keyed by role ID (a card
	// only carries a role, not a dialect choice).
	roleDialect map[string]string
	tools       map[string]toolparser.ToolSpec
}

// Load reads and validates a roster TOML file at path.
func Load(path string) (*Roster, error) {
	var doc document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("roster: decode %s: %w", path, err)
	}
	return build(doc)
}

func build(doc document) (*Roster, error) {
	r := &Roster{
		ethos:       dialect.Ethos{Boundaries: doc.Ethos.Boundaries},
		roles:       make(map[string]dialect.Role, len(doc.Roles)),
		dialects:    make(map[string]dialect.Dialect, len(doc.Dialects)),
		roleDialect: make(map[string]string, len(doc.Roles)),
		tools:       make(map[string]toolparser.ToolSpec, len(doc.Tools)),
	}

	for id, d := range doc.Dialects {
		r.dialects[id] = dialect.Dialect{ID: id, SystemWrapper: d.SystemWrapper, ToolCallSyntax: d.ToolCallSyntax}
	}

	for id, role := range doc.Roles {
		if role.Dialect == "" {
			return nil, fmt.Errorf("roster: role %q declares no dialect", id)
		}
		if _, ok := r.dialects[role.Dialect]; !ok {
			return nil, fmt.Errorf("roster: role %q references unknown dialect %q", id, role.Dialect)
		}
		r.roles[id] = dialect.Role{
			ID:             id,
			SystemPrompt:   role.SystemPrompt,
			ToolsAllowed:   role.ToolsAllowed,
			BoundaryPolicy: role.BoundaryPolicy,
		}
		r.roleDialect[id] = role.Dialect
	}

	for name, t := range doc.Tools {
		r.tools[name] = toolparser.ToolSpec{Name: name, RequiredArgs: t.RequiredArgs}
	}

	return r, nil
}

// UnknownRole is returned by Role and Dialect when roleID names no
// configured persona.
type UnknownRole struct{ RoleID string }

func (e *UnknownRole) Error() string { return fmt.Sprintf("roster: unknown role %q", e.RoleID) }

// Role resolves a card's declared role into its persona asset.
func (r *Roster) Role(roleID string) (dialect.Role, error) {
	role, ok := r.roles[roleID]
	if !ok {
		return dialect.Role{}, &UnknownRole{RoleID: roleID}
	}
	return role, nil
}

// Dialect resolves roleID to the model dialect its persona was declared
// under (orchestrator.RoleCatalog is keyed by role, not dialect, since a
// card only ever carries one role).
func (r *Roster) Dialect(roleID string) (dialect.Dialect, error) {
	dialectID, ok := r.roleDialect[roleID]
	if !ok {
		return dialect.Dialect{}, &UnknownRole{RoleID: roleID}
	}
	return r.dialects[dialectID], nil
}

// Ethos returns the workspace-wide guardrail assets, identical for every
// role and dialect.
func (r *Roster) Ethos() dialect.Ethos {
	return r.ethos
}

// Tools returns the full tool registry, keyed by tool name, for
// orketflow.TurnRequest.ToolRegistry.
func (r *Roster) Tools() map[string]toolparser.ToolSpec {
	return r.tools
}
