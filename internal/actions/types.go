package actions

import (
	"encoding/json"
	"fmt"
)

// ManagedParamKind tags an action parameter whose value the server resolves
// instead of passing it through from the input payload. Kinds are assigned
// at import time; the execution path is a pure table lookup.
type ManagedParamKind string

const (
	ManagedSecret       ManagedParamKind = "secret"
	ManagedOAuth2Secret ManagedParamKind = "oauth2-secret"
	ManagedRequest      ManagedParamKind = "request"
	ManagedDataSource   ManagedParamKind = "datasource"
)

// ParseManagedParamKind validates a kind string reported by the enumeration
// worker.
func ParseManagedParamKind(s string) (ManagedParamKind, error) {
	switch ManagedParamKind(s) {
	case ManagedSecret, ManagedOAuth2Secret, ManagedRequest, ManagedDataSource:
		return ManagedParamKind(s), nil
	default:
		return "", fmt.Errorf("unknown managed parameter kind %q", s)
	}
}

// ToolKind classifies how an action surfaces to clients.
type ToolKind string

const (
	ToolKindAction   ToolKind = "action"
	ToolKindQuery    ToolKind = "query"
	ToolKindPredict  ToolKind = "predict"
	ToolKindTool     ToolKind = "tool"
	ToolKindResource ToolKind = "resource"
	ToolKindPrompt   ToolKind = "prompt"
)

// ParseToolKind validates a tool kind string. The empty string maps to
// ToolKindAction for compatibility with packages predating the field.
func ParseToolKind(s string) (ToolKind, error) {
	switch ToolKind(s) {
	case ToolKindAction, ToolKindQuery, ToolKindPredict, ToolKindTool, ToolKindResource, ToolKindPrompt:
		return ToolKind(s), nil
	case "":
		return ToolKindAction, nil
	default:
		return "", fmt.Errorf("unknown tool kind %q", s)
	}
}

// Package is an imported action package.
type Package struct {
	ID        string   `json:"id"`
	Slug      string   `json:"slug"`
	Name      string   `json:"name"`
	Dir       string   `json:"dir"`
	EnvKey    string   `json:"env_key"`
	Endpoints []string `json:"endpoints,omitempty"`
	Enabled   bool     `json:"enabled"`
}

// Action is a single callable exposed by a package.
type Action struct {
	ID            string                      `json:"id"`
	PackageID     string                      `json:"package_id"`
	PackageSlug   string                      `json:"package_slug"`
	Slug          string                      `json:"slug"`
	Name          string                      `json:"name"`
	DisplayName   string                      `json:"display_name,omitempty"`
	InputSchema   json.RawMessage             `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage             `json:"output_schema,omitempty"`
	ManagedParams map[string]ManagedParamKind `json:"managed_params,omitempty"`
	Consequential bool                        `json:"consequential"`
	SourceFile    string                      `json:"source_file,omitempty"`
	SourceLine    int                         `json:"source_line,omitempty"`
	Kind          ToolKind                    `json:"kind"`
	MetaVersion   int64                       `json:"meta_version"`
	Enabled       bool                        `json:"enabled"`
}

// SecretParams returns the names of parameters whose values arrive through
// the envelope pipeline (secret and oauth2-secret kinds), in no particular
// order.
func (a *Action) SecretParams() []string {
	var names []string
	for name, kind := range a.ManagedParams {
		if kind == ManagedSecret || kind == ManagedOAuth2Secret {
			names = append(names, name)
		}
	}
	return names
}

// EnvironmentRef is the catalog's view of a prepared environment. The
// builder adapter owns the full record; the catalog carries what dispatch
// needs.
type EnvironmentRef struct {
	Key           string   `json:"key"`
	Dir           string   `json:"dir"`
	WorkerCommand []string `json:"worker_command"`
}
