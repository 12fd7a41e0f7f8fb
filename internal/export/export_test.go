package export

import (
	"context"
	"encoding/base64"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"A4 Ring Road v1.2", "A4-Ring-Road-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", ""},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFilename(t *testing.T) {
	at := time.Date(2026, 5, 4, 17, 3, 9, 0, time.FixedZone("CEST", 2*60*60))

	assert.Equal(t, "traffic-report-Main-St-Collision-INC-1042-20260504-150309.pdf", Filename("Main St Collision", "INC-1042", at))
	assert.Equal(t, Filename("Main St Collision", "INC-1042", at), Filename("Main St Collision", "INC-1042", at))
	assert.Equal(t, "traffic-report-20260504-150309.pdf", Filename("!!!", "", at))
	assert.NotEqual(t, Filename("x", "1", at), Filename("x", "1", at.Add(time.Second)))
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSurfaceURL(t *testing.T) {
	u, err := surfaceURL(Surface{HTML: "<p>a b</p>"})
	require.NoError(t, err)
	assert.Equal(t, "data:text/html;charset=utf-8,%3Cp%3Ea%20b%3C%2Fp%3E", u)

	u, err = surfaceURL(Surface{URL: "https://dash.example/incidents/7"})
	require.NoError(t, err)
	assert.Equal(t, "https://dash.example/incidents/7", u)

	_, err = surfaceURL(Surface{})
	assert.Error(t, err)
	_, err = surfaceURL(Surface{URL: "x", HTML: "y"})
	assert.Error(t, err)
}

func TestRenderReportHTML(t *testing.T) {
	content := ReportContent{
		Kind:        KindIncident,
		EntityID:    "INC-1042",
		Name:        "Main St Collision",
		Title:       "Collision on Main St",
		Subtitle:    "Two lanes closed",
		Summary:     "Rear-end collision <script>alert(1)</script> during rush hour.",
		Author:      "Traffic Ops",
		GeneratedAt: time.Date(2026, 5, 4, 15, 3, 0, 0, time.UTC),
		Metrics:     []Metric{{Label: "Delay", Value: "14", Unit: "min"}},
		Sections:    []Section{{Heading: "Response", Body: "Units dispatched."}},
		Table:       &Table{Caption: "Lanes", Columns: []string{"Lane", "State"}, Rows: [][]string{{"1", "closed"}}},
	}

	html, err := RenderReportHTML(content, "#fafafa")
	require.NoError(t, err)

	for _, want := range []string{
		`id="report"`, "Incident report", "INC-1042", "Collision on Main St", "Two lanes closed",
		"Delay", "min", "Response", "Units dispatched.", "Lanes", "closed", "May 4, 2026", "#fafafa",
	} {
		assert.Contains(t, html, want)
	}
	assert.NotContains(t, html, "<script>alert(1)</script>")

	html, err = RenderReportHTML(ReportContent{Kind: KindArea, Name: "Downtown"}, "red; } body { x")
	require.NoError(t, err)
	assert.Contains(t, html, "Downtown")
	assert.Contains(t, html, "#ffffff")
}

func TestReportContentValidate(t *testing.T) {
	assert.NoError(t, ReportContent{Kind: KindProposal, EntityID: "P-3"}.Validate())
	assert.NoError(t, ReportContent{Kind: KindArea, Name: "Harbour"}.Validate())
	assert.Error(t, ReportContent{EntityID: "P-3"}.Validate())
	assert.Error(t, ReportContent{Kind: "weather", EntityID: "1"}.Validate())
	assert.Error(t, ReportContent{Kind: KindIncident}.Validate())

	assert.Equal(t, "incident:INC-1", ReportContent{Kind: KindIncident, EntityID: "INC-1", Name: "x"}.Key())
	assert.Equal(t, "area:Harbour", ReportContent{Kind: KindArea, Name: "Harbour"}.Key())
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#1a2B3c")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0x1a, G: 0x2b, B: 0x3c, A: 255}, c)

	c, err = ParseHexColor("fff")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, c)

	for _, bad := range []string{"", "#12", "#gggggg", "#1234567"} {
		_, err := ParseHexColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestDataURI(t *testing.T) {
	uri := DataURI(Artifact{Data: []byte("%PDF-1.3")})
	require.True(t, strings.HasPrefix(uri, "data:application/pdf;base64,"))
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:application/pdf;base64,"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.3", string(decoded))
}

func TestDirSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(filepath.Join(dir, "reports"))
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := sink.Deliver(ctx, Artifact{Filename: "a.pdf", MimeType: MimeTypePDF, Data: []byte("one")})
	require.NoError(t, err)
	assert.Equal(t, "file", loc.Kind)
	assert.Equal(t, filepath.Join(dir, "reports", "a.pdf"), loc.URI)

	rc, err := sink.Open(ctx, "a.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "reports"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")

	_, err = sink.Open(ctx, "missing.pdf")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	_, err = sink.Deliver(ctx, Artifact{Filename: "../escape.pdf"})
	assert.Error(t, err)
	_, err = sink.Open(ctx, "../reports/a.pdf")
	assert.Error(t, err)
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	payload := []byte("pdf")
	_, err := sink.Deliver(ctx, Artifact{Filename: "b.pdf", Data: payload})
	require.NoError(t, err)
	payload[0] = 'x'

	rc, err := sink.Open(ctx, "b.pdf")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "pdf", string(data))

	_, err = sink.Open(ctx, "nope.pdf")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sink.Deliver(cancelled, Artifact{Filename: "c.pdf"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := &ExhaustedRetriesError{Attempts: 4, Last: &CaptureError{Reason: "screenshot", Transient: true}}
	msg := PublicMessage(err)
	assert.Contains(t, msg, "4 attempts")
	assert.NotContains(t, msg, "screenshot")
	assert.Equal(t, "Report generation was cancelled.", PublicMessage(ErrCancelled))
	assert.Empty(t, PublicMessage(nil))
}
