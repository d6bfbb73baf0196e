package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	"github.com/vaishcodescape/OpenX-MCP/internal/store"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

func jsonOutput() bool {
	return strings.EqualFold(viper.GetString("output"), "json")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func printTools(w io.Writer, ds []tools.Descriptor) {
	tw := newTable(w, table.Row{"Name", "Parameters", "Description"})
	for _, d := range ds {
		params := make([]string, 0, len(d.Schema))
		for _, p := range d.Schema {
			name := p.Name
			if p.Required {
				name += "*"
			}
			params = append(params, name)
		}
		tw.AppendRow(table.Row{d.Name, strings.Join(params, " "), d.Description})
	}
	tw.Render()
}

func printSessions(w io.Writer, sessions []heal.Session) {
	tw := newTable(w, table.Row{"ID", "Pull Request", "Stage", "Cycle", "Result", "Updated"})
	for _, s := range sessions {
		tw.AppendRow(table.Row{s.ID, s.PullRequest.String(), s.Stage, s.Cycle, s.Result, age(s.UpdatedAt)})
	}
	tw.Render()
}

// printSession renders one session with its transition history.
func printSession(w io.Writer, s heal.Session) {
	fmt.Fprintf(w, "session %s  %s  stage=%s cycle=%d", s.ID, s.PullRequest, s.Stage, s.Cycle)
	if s.Result != "" {
		fmt.Fprintf(w, " result=%s", s.Result)
	}
	fmt.Fprintln(w)
	if s.Reason != "" {
		fmt.Fprintf(w, "reason: %s\n", s.Reason)
	}
	if s.Classification != nil {
		fmt.Fprintf(w, "classified: %s (confidence %.2f)\n", s.Classification.Category, s.Classification.Confidence)
	}
	if s.CommitSHA != "" {
		fmt.Fprintf(w, "commit: %s\n", s.CommitSHA)
	}
	if len(s.History) == 0 {
		return
	}
	tw := newTable(w, table.Row{"At", "From", "To", "Outcome", "Detail"})
	for _, h := range s.History {
		tw.AppendRow(table.Row{h.At.Local().Format(time.TimeOnly), h.From, h.To, h.Outcome, h.Detail})
	}
	tw.Render()
}

func printToolCalls(w io.Writer, calls []*store.ToolCall) {
	tw := newTable(w, table.Row{"Created", "Tool", "Status", "Error", "Duration", "Request ID"})
	for _, c := range calls {
		tw.AppendRow(table.Row{
			c.CreatedAt.Local().Format(time.DateTime),
			c.ToolName,
			c.Status,
			c.ErrorKind,
			fmt.Sprintf("%dms", c.DurationMS),
			c.RequestID,
		})
	}
	tw.Render()
}

func printArtifacts(w io.Writer, as []*store.Artifact) {
	tw := newTable(w, table.Row{"ID", "Name", "Type", "Size", "SHA-256"})
	for _, a := range as {
		tw.AppendRow(table.Row{a.ArtifactID, a.Name, a.ContentType, a.SizeBytes, shortHash(a.SHA256)})
	}
	tw.Render()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func age(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
