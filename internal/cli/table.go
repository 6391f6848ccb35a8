package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"

	"taskrunner/internal/core"
)

// table renders aligned columns with a colored header.
type table struct {
	headers []string
	rows    [][]cell
	widths  []int
}

type cell struct {
	text  string
	color *color.Color
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths}
}

func (t *table) addRow(cells ...cell) {
	for i, c := range cells {
		if i < len(t.widths) && len(c.text) > t.widths[i] {
			t.widths[i] = len(c.text)
		}
	}
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	header := color.New(color.FgCyan, color.Bold)
	for i, h := range t.headers {
		header.Fprintf(w, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(w)
	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i]), "  ")
	}
	fmt.Fprintln(w)
	for _, row := range t.rows {
		for i, c := range row {
			if i >= len(t.widths) {
				break
			}
			text := fmt.Sprintf("%-*s  ", t.widths[i], c.text)
			if c.color != nil {
				c.color.Fprint(w, text)
			} else {
				fmt.Fprint(w, text)
			}
		}
		fmt.Fprintln(w)
	}
}

func plain(s string) cell { return cell{text: s} }

func outcomeCell(o core.Outcome) cell {
	switch o {
	case core.OutcomeSucceeded:
		return cell{text: string(o), color: color.New(color.FgGreen)}
	case core.OutcomeFailed:
		return cell{text: string(o), color: color.New(color.FgRed)}
	case core.OutcomeCancelled:
		return cell{text: string(o), color: color.New(color.FgYellow)}
	case core.OutcomeRunning:
		return cell{text: string(o), color: color.New(color.FgBlue)}
	default:
		return plain(string(o))
	}
}

func stateCell(st core.State) cell {
	switch st {
	case core.StateRunning:
		return cell{text: string(st), color: color.New(color.FgBlue)}
	case core.StatePending:
		return cell{text: string(st), color: color.New(color.FgYellow)}
	case core.StateDisabled:
		return cell{text: string(st), color: color.New(color.Faint)}
	default:
		return plain(string(st))
	}
}

func timeCell(t *time.Time, loc *time.Location) cell {
	if t == nil {
		return plain("-")
	}
	return plain(t.In(loc).Format("2006-01-02 15:04:05"))
}

func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	red.Fprint(w, "error: ")
	fmt.Fprintln(w, err.Error())
	if hint := errors.FlattenHints(err); hint != "" {
		color.New(color.Faint).Fprintln(w, "hint: "+hint)
	}
}

func printSuccess(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen).Fprintf(w, format+"\n", args...)
}
