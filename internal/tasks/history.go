package tasks

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"taskrunner/internal/core"
	"taskrunner/internal/store"
)

const (
	// HistoryPruneType trims old execution records.
	HistoryPruneType = "history.prune"
	// HistoryExportType dumps execution history to CSV.
	HistoryExportType = "history.export"
)

// HistoryStore is the slice of the store the history tasks use.
type HistoryStore interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*core.TaskDefinition, error)
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.ExecutionRecord, error)
	PruneExecutions(ctx context.Context, taskID string, keep int) (int, error)
}

// HistoryPrune keeps the newest "keep" finished records of every task.
type HistoryPrune struct {
	store       HistoryStore
	defaultKeep int
}

func NewHistoryPrune(s HistoryStore, defaultKeep int) *HistoryPrune {
	return &HistoryPrune{store: s, defaultKeep: defaultKeep}
}

func (t *HistoryPrune) Execute(ec *core.ExecutionContext) error {
	keep, err := ec.ParamInt("keep", t.defaultKeep)
	if err != nil {
		return err
	}
	if keep < 1 {
		return errors.Newf("keep must be at least 1, got %d", keep)
	}
	defs, err := t.store.ListTasks(ec.Context(), store.TaskFilter{})
	if err != nil {
		return err
	}
	removed := 0
	for i, def := range defs {
		if ec.Cancelled() {
			return ec.Err()
		}
		n, err := t.store.PruneExecutions(ec.Context(), def.ID, keep)
		if err != nil {
			return errors.Wrapf(err, "prune history of %s", def.Alias)
		}
		removed += n
		ec.SetProgress(int64(i+1), int64(len(defs)), def.Alias)
	}
	ec.Logger().Info("history pruned", "tasks", len(defs), "removed", removed, "keep", keep)
	return nil
}

// HistoryExport writes the history of all tasks to a CSV file, one task at a time.
// Parameters: path (defaults under dir), page_size.
type HistoryExport struct {
	store HistoryStore
	dir   string
	now   func() time.Time
}

func NewHistoryExport(s HistoryStore, dir string) *HistoryExport {
	return &HistoryExport{store: s, dir: dir, now: time.Now}
}

var exportHeader = []string{
	"task_id", "task_alias", "execution_id", "outcome", "trigger", "started_at", "ended_at",
	"duration_ms", "progress_value", "progress_max", "machine_name", "error",
}

func (t *HistoryExport) Execute(ec *core.ExecutionContext) error {
	path := ec.Param("path", filepath.Join(t.dir, "exports", "history-"+t.now().UTC().Format("20060102T150405Z")+".csv"))
	pageSize, err := ec.ParamInt("page_size", 200)
	if err != nil {
		return err
	}
	if pageSize < 1 {
		pageSize = 200
	}
	if err := ec.Err(); err != nil {
		return err
	}

	defs, err := t.store.ListTasks(ec.Context(), store.TaskFilter{})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "ensure export dir")
	}
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create export file")
	}
	defer os.Remove(tmp)
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(exportHeader); err != nil {
		return errors.Wrap(err, "write header")
	}
	rows := 0
	for i, def := range defs {
		if ec.Cancelled() {
			return ec.Err()
		}
		n, err := t.exportTask(ec.Context(), w, def, pageSize)
		if err != nil {
			return err
		}
		rows += n
		ec.SetProgress(int64(i+1), int64(len(defs)), def.Alias)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "flush export")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close export")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "publish export")
	}
	ec.Logger().Info("history exported", "path", path, "rows", rows)
	return nil
}

func (t *HistoryExport) exportTask(ctx context.Context, w *csv.Writer, def *core.TaskDefinition, pageSize int) (int, error) {
	written := 0
	for offset := 0; ; offset += pageSize {
		page, err := t.store.ListExecutions(ctx, def.ID, pageSize, offset)
		if err != nil {
			return written, errors.Wrapf(err, "list history of %s", def.Alias)
		}
		for _, rec := range page {
			if err := w.Write(exportRecord(def, rec)); err != nil {
				return written, errors.Wrap(err, "write row")
			}
			written++
		}
		if len(page) < pageSize {
			return written, nil
		}
	}
}

func exportRecord(def *core.TaskDefinition, rec *core.ExecutionRecord) []string {
	ended, duration, errText := "", "", ""
	if rec.EndedAt != nil {
		ended = rec.EndedAt.UTC().Format(time.RFC3339)
		duration = strconv.FormatInt(rec.Duration(*rec.EndedAt).Milliseconds(), 10)
	}
	if rec.Error != nil {
		errText = *rec.Error
	}
	return []string{
		def.ID, def.Alias, rec.ID, string(rec.Outcome), string(rec.Trigger),
		rec.StartedAt.UTC().Format(time.RFC3339), ended, duration,
		strconv.FormatInt(rec.ProgressValue, 10), strconv.FormatInt(rec.ProgressMax, 10),
		rec.MachineName, errText,
	}
}
