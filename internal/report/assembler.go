package report

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
)

//go:embed template.html
var htmlTemplateText string

const displayLayout = "2006-01-02 15:04:05"

// CountryLookup resolves a subject to a country code ("" when unknown)
type CountryLookup interface {
	Country(subject string) string
}

// Report is a rendered report ready for delivery
type Report struct {
	ID      string // snapshot ID, reused on retries
	Subject string
	Text    string
	HTML    string
	Window  domain.ReportWindow
	Summary Summary
}

// Empty reports whether the report window contains no events
func (r *Report) Empty() bool {
	return r.Summary.BanEvents == 0 && r.Summary.UnbanEvents == 0 && r.Summary.FailedAttempts == 0
}

// Config configures the Assembler
type Config struct {
	SubjectPrefix string
	TopN          int
	Location      *time.Location // display zone, time.Local if nil
	Countries     CountryLookup  // optional
}

// Assembler renders snapshots into reports
type Assembler struct {
	cfg  Config
	html *template.Template
}

// NewAssembler parses the HTML template
func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	tmpl, err := template.New("report").Parse(htmlTemplateText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse report template: %w", err)
	}

	return &Assembler{cfg: cfg, html: tmpl}, nil
}

// Build renders the snapshot
func (a *Assembler) Build(snapshot domain.Snapshot) (*Report, error) {
	summary := Summarize(snapshot.Window, snapshot.Events, a.cfg.TopN)
	if a.cfg.Countries != nil {
		annotate(summary.Banned, a.cfg.Countries)
		annotate(summary.TopFound, a.cfg.Countries)
	}

	end := snapshot.Window.End.In(a.cfg.Location).Format(displayLayout)
	subject := fmt.Sprintf("Fail2Ban report %s", end)
	if a.cfg.SubjectPrefix != "" {
		subject = a.cfg.SubjectPrefix + " " + subject
	}

	var html bytes.Buffer
	data := htmlData{
		Title:   subject,
		Start:   snapshot.Window.Start.In(a.cfg.Location).Format(displayLayout),
		End:     end,
		TopN:    a.cfg.TopN,
		Summary: summary,
	}
	if err := a.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	return &Report{
		ID:      snapshot.ID,
		Subject: subject,
		Text:    a.text(summary),
		HTML:    html.String(),
		Window:  snapshot.Window,
		Summary: summary,
	}, nil
}

type htmlData struct {
	Title   string
	Start   string
	End     string
	TopN    int
	Summary Summary
}

func (a *Assembler) text(s Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Time range: %s - %s\n\n",
		s.Window.Start.In(a.cfg.Location).Format(displayLayout),
		s.Window.End.In(a.cfg.Location).Format(displayLayout))
	fmt.Fprintf(&b, "Banned IPs: %d\n", len(s.Banned))
	fmt.Fprintf(&b, "Unbanned IPs: %d\n", len(s.Unbanned))
	fmt.Fprintf(&b, "Failed attempts (Found): %d\n\n", s.FailedAttempts)

	writeList(&b, "Ban IP list:", s.Banned, false)
	writeList(&b, "Unban IP list:", s.Unbanned, false)

	if len(s.TopFound) > 0 {
		writeList(&b, fmt.Sprintf("Top %d IPs by failed attempts:", a.cfg.TopN), s.TopFound, true)
	}

	if len(s.Jails) > 0 {
		b.WriteString("Per jail (ban/unban/found):\n")
		for _, j := range s.Jails {
			fmt.Fprintf(&b, "  - %s: %d/%d/%d\n", j.Jail, j.Bans, j.Unbans, j.Found)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeList(b *strings.Builder, title string, items []SubjectCount, withCount bool) {
	b.WriteString(title + "\n")
	if len(items) == 0 {
		b.WriteString("  - (none)\n\n")
		return
	}
	for _, it := range items {
		line := "  - " + it.Subject
		if it.Country != "" {
			line += " [" + it.Country + "]"
		}
		if withCount {
			line += fmt.Sprintf(" (%d)", it.Count)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
}

func annotate(items []SubjectCount, countries CountryLookup) {
	for i := range items {
		items[i].Country = countries.Country(items[i].Subject)
	}
}
