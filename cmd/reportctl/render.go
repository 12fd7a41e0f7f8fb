package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"trafficdash/api/internal/config"
	"trafficdash/api/internal/export"
)

type renderFlags struct {
	contentFile string
	kind        string
	entityID    string
	name        string
	title       string
	summary     string
	url         string
	selector    string
	format      string
	orientation string
	margin      float64
	quality     float64
	scale       float64
	background  string
	outDir      string
	retries     int
	chromePath  string
	verbose     bool
}

func newRenderCmd() *cobra.Command {
	var f renderFlags
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one report and write it to the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.contentFile, "content", "", "JSON file with the report content")
	flags.StringVar(&f.kind, "kind", string(export.KindIncident), "incident, proposal or area")
	flags.StringVar(&f.entityID, "entity-id", "", "id of the dashboard item")
	flags.StringVar(&f.name, "name", "", "name of the dashboard item")
	flags.StringVar(&f.title, "title", "", "report title")
	flags.StringVar(&f.summary, "summary", "", "summary paragraph")
	flags.StringVar(&f.url, "url", "", "capture a hosted page instead of rendering content")
	flags.StringVar(&f.selector, "selector", "", "element to capture on --url")
	flags.StringVar(&f.format, "format", string(export.FormatA4), "page format")
	flags.StringVar(&f.orientation, "orientation", string(export.Portrait), "portrait or landscape")
	flags.Float64Var(&f.margin, "margin", 10, "uniform page margin in mm")
	flags.Float64Var(&f.quality, "quality", 0.92, "image quality, 1 for lossless")
	flags.Float64Var(&f.scale, "scale", 2, "capture scale")
	flags.StringVar(&f.background, "background", "#ffffff", "background color")
	flags.StringVarP(&f.outDir, "out", "o", ".", "output directory")
	flags.IntVar(&f.retries, "retries", 3, "retries after the first attempt")
	flags.StringVar(&f.chromePath, "chrome", "", "browser executable, found on PATH when empty")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "log every progress update")
	return cmd
}

func runRender(cmd *cobra.Command, f renderFlags) error {
	config.LoadDotEnv()
	cfg := config.Load()
	if f.verbose {
		cfg.LogLevel = logrus.DebugLevel
	}
	logger := config.NewLogger(cfg, true)
	logger.SetOutput(cmd.ErrOrStderr())

	content, err := loadContent(f)
	if err != nil {
		return err
	}
	sink, err := export.NewDirSink(f.outDir)
	if err != nil {
		return err
	}

	policy := export.DefaultRetryPolicy()
	policy.MaxRetries = f.retries
	chrome := f.chromePath
	if chrome == "" {
		chrome = cfg.ChromePath
	}
	svc, err := export.NewService(export.NewChromeCapturer(chrome), sink, policy,
		export.WithServiceLogger(logger),
		export.WithServiceVerifier(export.NewPDFVerifier()),
		export.WithStatusObserver(func(st export.GenerationStatus) {
			logger.WithFields(logrus.Fields{
				"progress": st.Progress,
				"attempt":  st.Attempt,
				"retrying": st.Retrying,
			}).Debug("status")
		}),
	)
	if err != nil {
		return err
	}

	margins := export.UniformMargins(f.margin)
	res, err := svc.Export(cmd.Context(), export.Request{
		Content:    content,
		SurfaceURL: f.url,
		Selector:   f.selector,
		Options: export.RenderOptions{
			Format:      export.Format(f.format),
			Orientation: export.Orientation(f.orientation),
			Margins:     &margins,
			Quality:     f.quality,
			Scale:       f.scale,
			Background:  f.background,
		},
	})
	if err != nil {
		logger.WithError(err).Error("render failed")
		return errors.New(export.PublicMessage(err))
	}
	for _, w := range res.Warnings {
		logger.Warn(w)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%d pages, %d attempts)\n", res.Location.URI, res.Pages, res.Attempts)
	return err
}

func loadContent(f renderFlags) (export.ReportContent, error) {
	var content export.ReportContent
	if f.contentFile != "" {
		raw, err := os.ReadFile(f.contentFile)
		if err != nil {
			return content, fmt.Errorf("read content: %w", err)
		}
		if err := json.Unmarshal(raw, &content); err != nil {
			return content, fmt.Errorf("parse content: %w", err)
		}
	}
	if f.kind != "" && content.Kind == "" {
		content.Kind = export.EntityKind(f.kind)
	}
	if f.entityID != "" {
		content.EntityID = f.entityID
	}
	if f.name != "" {
		content.Name = f.name
	}
	if f.title != "" {
		content.Title = f.title
	}
	if f.summary != "" {
		content.Summary = f.summary
	}
	return content, nil
}
