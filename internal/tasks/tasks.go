// Package tasks holds the built-in task bodies.
package tasks

import (
	"net/http"

	"taskrunner/internal/core"
)

// Deps are the collaborators the built-in bodies need.
type Deps struct {
	Store      HistoryStore
	RunLogs    RunLogs
	HTTPClient *http.Client
	// StateDir receives history exports.
	StateDir string
	// HistoryKeep is the prune default when the task sets no "keep" parameter.
	HistoryKeep int
}

// Register adds every built-in body to the registry.
func Register(r *core.Registry, deps Deps) error {
	keep := deps.HistoryKeep
	if keep <= 0 {
		keep = 50
	}
	entries := []struct {
		key     string
		factory core.Factory
	}{
		{ShellCommandType, func() core.Task { return NewShellCommand(deps.RunLogs) }},
		{HTTPPingType, func() core.Task { return NewHTTPPing(deps.HTTPClient) }},
		{HistoryPruneType, func() core.Task { return NewHistoryPrune(deps.Store, keep) }},
		{HistoryExportType, func() core.Task { return NewHistoryExport(deps.Store, deps.StateDir) }},
	}
	for _, e := range entries {
		if err := r.Register(e.key, e.factory); err != nil {
			return err
		}
	}
	return nil
}
