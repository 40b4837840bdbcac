package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/loykin/gatekeeper"
	"github.com/loykin/gatekeeper/pkg/client"
)

// printer renders results as tables or as indented JSON.
type printer struct {
	w    io.Writer
	json bool
}

func (p printer) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(b))
	return err
}

func (p printer) table(header table.Row, rows ...table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(p.w)
	t.AppendHeader(header)
	t.AppendRows(rows)
	style := table.StyleLight
	style.Options.DrawBorder = false
	style.Format.Header = text.FormatUpper
	t.SetStyle(style)
	t.Render()
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func yesNo(ok bool) string {
	if ok {
		return green("yes")
	}
	return red("no")
}

func dash(s string) string {
	if s == "" {
		return gray("-")
	}
	return s
}

func stateColor(s gatekeeper.GatewayStatus) string {
	switch s.State {
	case "running":
		return green(string(s.State))
	case "starting", "stopping":
		return yellow(string(s.State))
	case "error":
		return red(string(s.State))
	}
	return string(s.State)
}

func (p printer) runtime(st gatekeeper.RuntimeStatus) error {
	if p.json {
		return p.printJSON(st)
	}
	p.table(table.Row{"installed", "version", "node", "npm"},
		table.Row{yesNo(st.Installed), dash(st.Version), dash(st.NodePath), dash(st.NpmPath)})
	return nil
}

func (p printer) tool(st gatekeeper.ToolStatus) error {
	if p.json {
		return p.printJSON(st)
	}
	p.table(table.Row{"installed", "version", "binary"},
		table.Row{yesNo(st.Installed), dash(st.Version), dash(st.BinaryPath)})
	return nil
}

func (p printer) update(info gatekeeper.UpdateInfo) error {
	if p.json {
		return p.printJSON(info)
	}
	avail := gray("up to date")
	if info.UpdateAvailable {
		avail = yellow("update available")
	}
	p.table(table.Row{"installed", "latest", "status"},
		table.Row{dash(info.InstalledVersion), info.LatestVersion, avail})
	return nil
}

func (p printer) gateway(st gatekeeper.GatewayStatus) error {
	if p.json {
		return p.printJSON(st)
	}
	pid, uptime := "-", "-"
	if st.PID != 0 {
		pid = fmt.Sprint(st.PID)
	}
	if st.UptimeSecs != nil {
		uptime = fmt.Sprintf("%ds", *st.UptimeSecs)
	}
	p.table(table.Row{"state", "pid", "port", "uptime", "error"},
		table.Row{stateColor(st), pid, st.Port, uptime, dash(st.Error)})
	if st.State == "running" {
		_, _ = fmt.Fprintf(p.w, "webchat: %s\n", gatekeeper.WebchatURL(st.Port))
	}
	return nil
}

func (p printer) health(h client.Health) error {
	if p.json {
		return p.printJSON(h)
	}
	p.table(table.Row{"port", "healthy"}, table.Row{h.Port, yesNo(h.Healthy)})
	return nil
}

func (p printer) platform(info gatekeeper.PlatformInfo) error {
	if p.json {
		return p.printJSON(info)
	}
	p.table(table.Row{"os", "arch", "os version"}, table.Row{info.OS, info.Arch, dash(info.OSVersion)})
	return nil
}

func (p printer) checks(checks []gatekeeper.Check) error {
	if p.json {
		return p.printJSON(checks)
	}
	rows := make([]table.Row, 0, len(checks))
	for _, c := range checks {
		rows = append(rows, table.Row{c.Name, yesNo(c.Passed), c.Detail})
	}
	p.table(table.Row{"check", "passed", "detail"}, rows...)
	return nil
}

func (p printer) location(st gatekeeper.LocationState) error {
	if p.json {
		return p.printJSON(st)
	}
	sel := ""
	if st.SelectedPath != nil {
		sel = *st.SelectedPath
	}
	p.table(table.Row{"default", "selected", "effective"}, table.Row{st.DefaultPath, dash(sel), st.EffectivePath})
	return nil
}

func (p printer) providers(ps []gatekeeper.Provider) error {
	if p.json {
		return p.printJSON(ps)
	}
	var rows []table.Row
	for _, pr := range ps {
		for _, m := range pr.Models {
			def := ""
			if m.IsDefault {
				def = green("default")
			}
			rows = append(rows, table.Row{pr.ID, dash(pr.EnvVar), m.ID, m.DisplayName, def})
		}
	}
	p.table(table.Row{"provider", "key variable", "model", "name", ""}, rows...)
	return nil
}

func (p printer) llm(st gatekeeper.LLMState) error {
	if p.json {
		return p.printJSON(st)
	}
	p.table(table.Row{"provider", "model", "api key"},
		table.Row{dash(st.SelectedProvider), dash(st.SelectedModel), yesNo(st.HasAPIKey)})
	return nil
}

func (p printer) env(env map[string]string) error {
	if p.json {
		return p.printJSON(env)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(p.w, "%s=%s\n", k, env[k])
	}
	return nil
}

// progressLine formats one install progress or gateway log event for the
// terminal. ok is false for events that have nothing to print.
func progressLine(name string, data json.RawMessage) (string, bool) {
	var v struct {
		Stage   string   `json:"stage"`
		Detail  string   `json:"detail"`
		Percent *float64 `json:"percent"`
		Line    string   `json:"line"`
		Level   string   `json:"level"`
		State   string   `json:"state"`
		Error   string   `json:"error"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", false
	}
	switch {
	case v.Line != "":
		switch v.Level {
		case "stderr", "error":
			return red(v.Line), true
		case "warn":
			return yellow(v.Line), true
		case "info":
			return gray(v.Line), true
		}
		return v.Line, true
	case v.Stage != "":
		var b strings.Builder
		b.WriteString(yellow("[" + v.Stage + "]"))
		if v.Percent != nil {
			fmt.Fprintf(&b, " %5.1f%%", *v.Percent*100)
		}
		if v.Detail != "" {
			b.WriteString(" " + v.Detail)
		}
		return b.String(), true
	case v.State != "":
		s := gray(name + ": " + v.State)
		if v.Error != "" {
			s += " " + red(v.Error)
		}
		return s, true
	}
	return "", false
}

// printOrOK prints v as JSON in --json mode and a short confirmation
// otherwise.
func (p printer) printOrOK(v any, msg string) error {
	if p.json {
		return p.printJSON(v)
	}
	_, err := fmt.Fprintln(p.w, green("✓"), msg)
	return err
}
