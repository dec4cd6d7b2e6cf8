package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/template"
	"github.com/MOV-AI/flowedit/treeview"
	"github.com/MOV-AI/flowedit/validation"
)

// exitRuntimeWarnings is returned when a flow could not be started.
const exitRuntimeWarnings = 2

type validateReport struct {
	Flow         string            `json:"flow"`
	Nodes        int               `json:"nodes"`
	Links        int               `json:"links"`
	Validation   validation.Result `json:"validation"`
	InvalidLinks []invalidLink     `json:"invalidLinks"`
}

type invalidLink struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func newValidateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate FLOW",
		Short: "Load a flow with its sub-flows and report validation findings",
		Long: `Validate loads FLOW and every sub-flow it embeds, then prints validation
warnings and links that could not be drawn. It exits with status 2 when a
warning would block the flow from starting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFrom(ctx)
			logger := loggerFrom(ctx)

			b, err := openBackend(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close(ctx) }()

			tcfg := template.DefaultConfig()
			tcfg.CacheSize = cfg.Templates.CacheSize
			tcfg.Logger = logger
			templates, err := template.NewStore(b.Fetcher, tcfg)
			if err != nil {
				return err
			}
			defer func() { _ = templates.Close() }()

			view, err := treeview.New(treeview.Config{
				Loader:    b.Store,
				Templates: templates,
				Canvas:    geometry.Canvas{Width: cfg.Editor.CanvasWidth, Height: cfg.Editor.CanvasHeight},
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			if err := view.LoadData(ctx, args[0]); err != nil {
				return err
			}

			report := validateReport{
				Flow:         args[0],
				Nodes:        len(view.Names()),
				Links:        len(view.Links()),
				Validation:   view.Validation(),
				InvalidLinks: []invalidLink{},
			}
			for _, il := range view.InvalidLinks() {
				report.InvalidLinks = append(report.InvalidLinks, invalidLink{ID: il.LinkID, From: il.From, To: il.To, Reason: il.Reason})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				err = enc.Encode(report)
			} else {
				err = printReport(out, report)
			}
			if err != nil {
				return err
			}
			if report.Validation.HasRuntimeWarnings() {
				return exitError{code: exitRuntimeWarnings, msg: fmt.Sprintf("flow %s cannot be started", args[0])}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r validateReport) error {
	if _, err := fmt.Fprintf(w, "flow %s: %d nodes, %d links\n", r.Flow, r.Nodes, r.Links); err != nil {
		return err
	}
	for _, warn := range r.Validation.Warnings {
		kind := "warning"
		if warn.IsRuntime {
			kind = "runtime"
		}
		if _, err := fmt.Fprintf(w, "  [%s] %s: %s", kind, warn.Type, warn.Message); err != nil {
			return err
		}
		for _, l := range warn.Links {
			if _, err := fmt.Fprintf(w, " %s", l); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	for _, c := range r.Validation.InvalidContainersParam {
		if _, err := fmt.Fprintf(w, "  [param] container %s has parameters its sub-flow does not declare\n", c); err != nil {
			return err
		}
	}
	for _, il := range r.InvalidLinks {
		if _, err := fmt.Fprintf(w, "  [invalid link] %s %s -> %s: %s\n", il.ID, il.From, il.To, il.Reason); err != nil {
			return err
		}
	}
	if len(r.Validation.Warnings) == 0 && len(r.InvalidLinks) == 0 && len(r.Validation.InvalidContainersParam) == 0 {
		_, err := fmt.Fprintln(w, "  ok")
		return err
	}
	return nil
}
