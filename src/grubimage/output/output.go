// Package output renders command results as tables, JSON or plain messages.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bitswalk/grubimage/src/common/errors"
)

// Printer writes command output to w
type Printer struct {
	w    io.Writer
	json bool
}

// New creates a printer. With asJSON set, Result writes JSON and tables are skipped.
func New(w io.Writer, asJSON bool) *Printer {
	return &Printer{w: w, json: asJSON}
}

// JSON reports whether the printer emits JSON
func (p *Printer) JSON() bool {
	return p.json
}

// PrintJSON writes data as indented JSON
func (p *Printer) PrintJSON(data interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// PrintTable writes tabular data
func (p *Printer) PrintTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)

	// Print headers
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, h)
	}
	fmt.Fprintln(w)

	// Print rows
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, col)
		}
		fmt.Fprintln(w)
	}

	w.Flush()
}

// PrintFields writes label/value pairs aligned in two columns
func (p *Printer) PrintFields(fields [][2]string) {
	w := tabwriter.NewWriter(p.w, 0, 0, 1, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(w, "%s:\t%s\n", f[0], f[1])
	}
	w.Flush()
}

// PrintMessage writes a plain message line
func (p *Printer) PrintMessage(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Result prints data as JSON in JSON mode, and otherwise calls human
func (p *Printer) Result(data interface{}, human func()) error {
	if p.json {
		return p.PrintJSON(data)
	}
	human()
	return nil
}

// PrintError reports a failed command: an {"error": ...} object in JSON
// mode, an "Error:" line otherwise
func (p *Printer) PrintError(err error) {
	if p.json {
		_ = p.PrintJSON(map[string]errors.Report{"error": errors.Describe(err)})
		return
	}
	fmt.Fprintf(p.w, "Error: %v\n", err)
}
