package wallace

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Reporter receives the classified script set once per run, before execution
// starts. Reporter failures are logged and never abort the workflow.
type Reporter interface {
	Report(set *ScriptSet) error
}

// NopReporter discards all reports.
type NopReporter struct{}

func (NopReporter) Report(*ScriptSet) error { return nil }

// TableReporter renders one row per script as an ASCII table.
type TableReporter struct {
	Out io.Writer
}

func (r *TableReporter) Report(set *ScriptSet) error {
	table := tablewriter.NewWriter(r.Out)
	table.SetHeader([]string{"Timestamp", "Name", "Status"})

	for _, script := range set.Migrated {
		table.Append([]string{fmt.Sprintf("%d", script.Timestamp), script.Name, Applied.String()})
	}
	for _, script := range set.Pending {
		table.Append([]string{fmt.Sprintf("%d", script.Timestamp), script.Name, Pending.String()})
	}
	for _, script := range set.Ignored {
		table.Append([]string{fmt.Sprintf("%d", script.Timestamp), script.Name, Ignored.String()})
	}

	table.Render()
	_, err := fmt.Fprintf(r.Out, "migrated: %d, pending: %d, ignored: %d\n",
		len(set.Migrated), len(set.Pending), len(set.Ignored))
	return err
}

// JSONReporter writes the counts and script names as a single JSON document.
type JSONReporter struct {
	Out io.Writer
}

func (r *JSONReporter) Report(set *ScriptSet) error {
	doc := struct {
		Migrated []string `json:"migrated"`
		Pending  []string `json:"pending"`
		Ignored  []string `json:"ignored"`
	}{
		Migrated: scriptNames(set.Migrated),
		Pending:  scriptNames(set.Pending),
		Ignored:  scriptNames(set.Ignored),
	}

	enc := json.NewEncoder(r.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func scriptNames(scripts []*MigrationScript) []string {
	names := make([]string, 0, len(scripts))
	for _, script := range scripts {
		names = append(names, script.Name)
	}
	return names
}
