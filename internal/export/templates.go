package export

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"strings"
	"time"
)

// ReportSelector is the element of the rendered template that gets captured.
const ReportSelector = "#report"

// EntityKind is the kind of dashboard item a report describes.
type EntityKind string

const (
	KindIncident EntityKind = "incident"
	KindProposal EntityKind = "proposal"
	KindArea     EntityKind = "area"
)

// Metric is one headline figure of a report.
type Metric struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// Section is a titled block of prose.
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Table is tabular report data.
type Table struct {
	Caption string     `json:"caption,omitempty"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ReportContent describes what a report shows. Kind, EntityID and Name
// identify the item and feed the download filename.
type ReportContent struct {
	Kind        EntityKind `json:"kind"`
	EntityID    string     `json:"entityId"`
	Name        string     `json:"name"`
	Title       string     `json:"title"`
	Subtitle    string     `json:"subtitle,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Author      string     `json:"author,omitempty"`
	GeneratedAt time.Time  `json:"generatedAt"`
	Metrics     []Metric   `json:"metrics,omitempty"`
	Sections    []Section  `json:"sections,omitempty"`
	Table       *Table     `json:"table,omitempty"`
}

// Key identifies the dashboard item; reports with the same key share a controller.
func (c ReportContent) Key() string {
	id := c.EntityID
	if id == "" {
		id = c.Name
	}
	return string(c.Kind) + ":" + id
}

// Validate checks the identifying fields.
func (c ReportContent) Validate() error {
	switch c.Kind {
	case KindIncident, KindProposal, KindArea:
	case "":
		return errors.New("report kind is required")
	default:
		return errors.New("unknown report kind " + string(c.Kind))
	}
	if c.EntityID == "" && c.Name == "" {
		return errors.New("report needs an entity id or name")
	}
	return nil
}

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.UTC().Format(layout)
		},
		"kindLabel": func(k EntityKind) string {
			switch k {
			case KindIncident:
				return "Incident report"
			case KindProposal:
				return "Proposal summary"
			case KindArea:
				return "Area statistics"
			default:
				return "Report"
			}
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

type templateData struct {
	ReportContent
	Background template.CSS
}

// RenderReportHTML renders content into a standalone page whose
// ReportSelector element is the capture target.
func RenderReportHTML(content ReportContent, background string) (string, error) {
	if content.Title == "" {
		content.Title = content.Name
	}
	if content.GeneratedAt.IsZero() {
		content.GeneratedAt = time.Now()
	}
	data := templateData{ReportContent: content, Background: template.CSS(safeCSSColor(background))}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func safeCSSColor(s string) string {
	if _, err := ParseHexColor(s); err != nil {
		return "#ffffff"
	}
	return s
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body style="margin:0;background:{{.Background}};font-family:Arial,sans-serif">
  <div id="report" style="width:1200px;padding:40px">
    <h1>{{.Title}}</h1>
    {{if .Summary}}<p>{{.Summary}}</p>{{end}}
    {{range .Metrics}}<p><b>{{.Label}}</b>: {{.Value}} {{.Unit}}</p>{{end}}
    {{range .Sections}}<h2>{{.Heading}}</h2><p>{{.Body}}</p>{{end}}
  </div>
</body>
</html>`
