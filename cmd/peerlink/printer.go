package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
	"unicode"

	"github.com/fatih/color"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/store"
)

var nowFunc = time.Now

var (
	colorOK    = color.New(color.FgGreen).SprintFunc()
	colorFail  = color.New(color.FgRed).SprintFunc()
	colorWarn  = color.New(color.FgYellow).SprintFunc()
	colorPeer  = color.New(color.FgCyan).SprintFunc()
	colorInfo  = color.New(color.FgBlue).SprintFunc()
	colorFaint = color.New(color.Faint).SprintFunc()
	colorSent  = color.New(color.FgMagenta).SprintFunc()
)

// eventPrinter writes one human readable line per event.
type eventPrinter struct {
	out io.Writer
}

func (p *eventPrinter) Print(e events.Event) {
	ts := colorFaint(e.Time.Format("15:04:05"))
	switch e.Kind {
	case events.DeviceFound:
		fmt.Fprintf(p.out, "%s %s %s %s\n", ts, colorInfo("found"), e.Device.Address, deviceLabel(e.Device))
	case events.MessageReceived:
		fmt.Fprintf(p.out, "%s %s %s\n", ts, colorPeer(e.Address+" <"), printable(e.Payload))
	case events.ConnectionOpened:
		fmt.Fprintf(p.out, "%s %s %s\n", ts, colorOK("connected"), e.Address)
	case events.ConnectionFailed:
		msg := fmt.Sprintf("%s %s %s: %s", ts, colorFail("connection failed"), e.Address, describeReason(e.Reason))
		if e.Err != nil {
			msg += fmt.Sprintf(" (%v)", e.Err)
		}
		fmt.Fprintln(p.out, msg)
	case events.ConnectionClosed:
		fmt.Fprintf(p.out, "%s %s %s\n", ts, colorWarn("disconnected"), e.Address)
	case events.ScanStarted:
		fmt.Fprintf(p.out, "%s %s\n", ts, colorInfo("scan started"))
	case events.ScanStopped:
		fmt.Fprintf(p.out, "%s %s\n", ts, colorInfo("scan stopped"))
	default:
		fmt.Fprintf(p.out, "%s %s\n", ts, e.String())
	}
}

func (p *eventPrinter) Sent(address string, payload []byte) {
	fmt.Fprintf(p.out, "%s %s %s\n", colorFaint(nowFunc().Format("15:04:05")), colorSent(address+" >"), printable(payload))
}

func (p *eventPrinter) Error(err error) {
	fmt.Fprintf(p.out, "%s %s\n", colorFaint(nowFunc().Format("15:04:05")), colorFail(FormatUserError(err)))
}

func deviceLabel(p device.PeerDevice) string {
	label := p.Name
	if label == "" {
		label = colorFaint("(unnamed)")
	}
	if p.Bonded {
		label += " " + colorOK("[bonded]")
	}
	return label
}

// printable trims line endings and escapes control bytes so binary traffic
// cannot garble the terminal.
func printable(b []byte) string {
	s := strings.TrimRight(string(b), "\r\n")
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r == '\t' || (unicode.IsPrint(r) && r != unicode.ReplacementChar):
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "\\x%02x", r)
		}
	}
	return sb.String()
}

// peerRow is one line of the scan/devices table and one element of the
// JSON output.
type peerRow struct {
	Address  string     `json:"address"`
	Name     string     `json:"name,omitempty"`
	Bonded   bool       `json:"bonded"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

func displayPeers(out io.Writer, format string, rows []peerRow) error {
	if format == "json" {
		if rows == nil {
			rows = []peerRow{}
		}
		return writeJSON(out, rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	writeHeader(w, "NAME", "ADDRESS", "BONDED", "LAST SEEN")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", truncate(r.Name, 24), r.Address, yesNo(r.Bonded), ago(r.LastSeen))
	}
	return w.Flush()
}

func displayKnownPeers(out io.Writer, format string, peers []store.KnownPeer) error {
	if format == "json" {
		if peers == nil {
			peers = []store.KnownPeer{}
		}
		return writeJSON(out, peers)
	}

	if len(peers) == 0 {
		fmt.Fprintln(out, "No known peers")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	writeHeader(w, "NAME", "ADDRESS", "BONDED", "SEEN", "CONNECTIONS", "LAST SEEN")
	for _, k := range peers {
		last := k.LastSeen
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			truncate(k.Name, 24), k.Address, yesNo(k.Bonded), k.Sightings, k.Connections, ago(&last))
	}
	return w.Flush()
}

// writeHeader writes the column titles and a dashed rule under each, so the
// rule stays in the same tabwriter column block as the rows.
func writeHeader(w io.Writer, titles ...string) {
	rules := make([]string, len(titles))
	for i, t := range titles {
		rules[i] = strings.Repeat("-", len(t))
	}
	fmt.Fprintln(w, strings.Join(titles, "\t"))
	fmt.Fprintln(w, strings.Join(rules, "\t"))
}

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s ago", nowFunc().Sub(*t).Truncate(time.Second))
}
