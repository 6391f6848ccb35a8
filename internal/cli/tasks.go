package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskrunner/internal/service"
)

func newTasksCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage task definitions",
	}
	cmd.AddCommand(
		newTasksListCommand(flags),
		newTasksAddCommand(flags),
		newTasksToggleCommand(flags, "enable", true),
		newTasksToggleCommand(flags, "disable", false),
	)
	return cmd
}

func newTasksListCommand(flags *globalFlags) *cobra.Command {
	var onlyEnabled, onlyDisabled bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if onlyEnabled && onlyDisabled {
				return errors.New("--enabled and --disabled are mutually exclusive")
			}
			app, err := flags.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			var filter *bool
			if onlyEnabled || onlyDisabled {
				filter = &onlyEnabled
			}
			list, err := app.Service.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			loc := app.Service.Location()
			now := time.Now()
			t := newTable("ALIAS", "TYPE", "CRON", "STATE", "LAST", "NEXT RUN", "ID")
			for _, task := range list {
				last := plain("-")
				if task.LastOutcome != nil {
					last = outcomeCell(*task.LastOutcome)
				}
				t.addRow(plain(task.Alias), plain(task.Type), plain(task.Cron), stateCell(task.State(now)),
					last, timeCell(task.NextRunAt, loc), plain(task.ID))
			}
			t.render(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&onlyEnabled, "enabled", false, "only enabled tasks")
	cmd.Flags().BoolVar(&onlyDisabled, "disabled", false, "only disabled tasks")
	return cmd
}

func newTasksAddCommand(flags *globalFlags) *cobra.Command {
	var (
		in       service.TaskInput
		params   []string
		disabled bool
		file     string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create task definitions from flags or a YAML file",
		Example: `  taskrunnerd tasks add --name "Nightly backup" --type shell.command \
      --cron "0 3 * * *" --param command="pg_dump app > /backups/app.sql"
  taskrunnerd tasks add --file tasks.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var inputs []service.TaskInput
			if file != "" {
				loaded, err := readTaskFile(file)
				if err != nil {
					return err
				}
				inputs = loaded
			} else {
				parsed, err := parseParams(params)
				if err != nil {
					return err
				}
				in.Parameters = parsed
				if disabled {
					enabled := false
					in.Enabled = &enabled
				}
				inputs = []service.TaskInput{in}
			}

			app, err := flags.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			for _, input := range inputs {
				task, err := app.Service.CreateTask(cmd.Context(), input)
				if err != nil {
					return errors.Wrapf(err, "create %q", input.Name)
				}
				printSuccess(out, "created %s (%s), next run %s", task.Alias, task.ID,
					timeCell(task.NextRunAt, app.Service.Location()).text)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "task name")
	f.StringVar(&in.Alias, "alias", "", "unique alias, derived from the name when empty")
	f.StringVar(&in.Type, "type", "", "registered task type")
	f.StringVar(&in.Cron, "cron", "", "5-field cron expression")
	f.BoolVar(&in.StopOnError, "stop-on-error", false, "disable the task after a failed run")
	f.BoolVar(&disabled, "disabled", false, "create the task disabled")
	f.StringArrayVarP(&params, "param", "p", nil, "parameter as key=value, repeatable")
	f.StringVarP(&file, "file", "f", "", "YAML file with a list of tasks")
	cmd.MarkFlagsMutuallyExclusive("file", "name")
	return cmd
}

func newTasksToggleCommand(flags *globalFlags, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id-or-alias>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " scheduling of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			task, err := app.Service.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			updated, err := app.Service.SetEnabled(cmd.Context(), task.ID, enabled)
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s: enabled=%t", updated.Alias, updated.Enabled)
			return nil
		},
	}
}

func newRunsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect execution history",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list <task-id-or-alias>",
		Short: "List recent executions of a task, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			task, err := app.Service.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			runs, err := app.Service.ListRuns(cmd.Context(), task.ID, limit, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintf(out, "no runs recorded for %s\n", task.Alias)
				return nil
			}
			loc := app.Service.Location()
			now := time.Now()
			t := newTable("ID", "OUTCOME", "TRIGGER", "STARTED", "DURATION", "PROGRESS", "MACHINE", "ERROR")
			for _, run := range runs {
				progress := "-"
				if pct := run.Percent(); pct >= 0 {
					progress = fmt.Sprintf("%d%%", pct)
				}
				errText := ""
				if run.Error != nil {
					errText = firstLine(*run.Error, 60)
				}
				started := run.StartedAt
				t.addRow(plain(run.ID), outcomeCell(run.Outcome), plain(string(run.Trigger)),
					timeCell(&started, loc), plain(run.Duration(now).Round(time.Millisecond).String()),
					plain(progress), plain(run.MachineName), plain(errText))
			}
			t.render(out)
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions")
	cmd.AddCommand(list)
	return cmd
}

func readTaskFile(path string) ([]service.TaskInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read task file")
	}
	var doc struct {
		Tasks []service.TaskInput `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse task file %s", path)
	}
	if len(doc.Tasks) == 0 {
		return nil, errors.WithHint(errors.Newf("no tasks in %s", path), "the file needs a top-level tasks: list")
	}
	return doc.Tasks, nil
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Newf("parameter %q is not key=value", p)
		}
		params[key] = value
	}
	return params, nil
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}
