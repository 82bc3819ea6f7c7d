package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/invoker"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func toolsCmd(g *globals, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the gateway exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Tools []domain.ToolInfo `json:"tools"`
			}
			if err := newClient(g).getJSON(cmd.Context(), http.MethodGet, "/v1/contentpipe/tools", nil, &out); err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(out)
			}
			for _, t := range out.Tools {
				fmt.Printf("%s  %s\n", ui.title(t.Name), t.Description)
				for _, p := range t.Params {
					req := ""
					if p.Required {
						req = ui.warn(" (required)")
					}
					fmt.Printf("    %s %s%s  %s\n", ui.info(p.Name), ui.dim(p.Type), req, p.Description)
				}
			}
			return nil
		},
	}
}

func invokeCmd(g *globals, ui *ui) *cobra.Command {
	var (
		params  domain.ToolParams
		id      string
		timeout int
	)
	cmd := &cobra.Command{
		Use:     "invoke <tool>",
		Short:   "Invoke one tool and wait for its artifact",
		Example: "contentpipe invoke audit --file /runs/run_20250101_120000_ab12cd34/notes.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newClient(g)
			stage := domain.Stage(strings.TrimSpace(args[0]))
			res, err := invokeWithSpinner(ctx, c, ui, stage, id, params, timeout)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(res)
			}
			printResult(ui, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Keyword, "keyword", "", "Keyword (crawl, write)")
	cmd.Flags().StringVar(&params.File, "file", "", "Input artifact (audit, write, illustrate)")
	cmd.Flags().StringVar(&params.JSONPath, "json-path", "", "Post JSON (publish)")
	cmd.Flags().StringSliceVar(&params.Images, "image", nil, "Image path, repeatable (publish)")
	cmd.Flags().StringVar(&id, "id", "", "Invocation id (generated when empty)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Timeout override in seconds")
	return cmd
}

// invokeWithSpinner runs the call and cancels it on the gateway when ctx
// ends first.
func invokeWithSpinner(ctx context.Context, c *client, ui *ui, stage domain.Stage, id string, params domain.ToolParams, timeout int) (*domain.InvocationResult, error) {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = fmt.Sprintf(" Running %s (%s)...", stage, id)
	spin.Start()
	res, err := c.invoke(ctx, stage, id, params, timeout)
	spin.Stop()
	if err != nil && ctx.Err() != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cerr := c.getJSON(cctx, http.MethodDelete, "/v1/contentpipe/invocations/"+url.PathEscape(id), nil, nil); cerr == nil {
			fmt.Fprintf(os.Stderr, "%s Canceled %s\n", ui.warn("[WARN]"), id)
		}
	}
	return res, err
}

func printResult(ui *ui, res *domain.InvocationResult) {
	fmt.Printf("%s %s %s in %s\n", ui.ok("[OK]"), res.Stage, ui.dim(res.ID), time.Duration(res.DurationMs)*time.Millisecond)
	if res.ArtifactPath != "" {
		fmt.Printf("  %s %s\n", ui.info("artifact:"), res.ArtifactPath)
	}
	for _, a := range res.Assets {
		fmt.Printf("  %s %s\n", ui.info("asset:"), a)
	}
	if res.Link != "" {
		fmt.Printf("  %s %s\n", ui.info("link:"), res.Link)
	}
}

func statusCmd(g *globals, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec domain.InvocationRecord
			err := newClient(g).getJSON(cmd.Context(), http.MethodGet, "/v1/contentpipe/invocations/"+url.PathEscape(args[0]), nil, &rec)
			if isNotFound(err) {
				return fmt.Errorf("invocation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(rec)
			}
			fmt.Printf("%s %s\n", ui.title(rec.Stage), rec.ID)
			fmt.Printf("  %s %s\n", ui.dim("state:"), stateLabel(ui, &rec))
			fmt.Printf("  %s %s\n", ui.dim("created:"), rec.CreatedAt.Format(time.RFC3339))
			if rec.Result != nil {
				if rec.Result.Error != nil {
					fmt.Printf("  %s %s: %s\n", ui.err("error:"), rec.Result.Error.Kind, rec.Result.Error.Message)
				}
				if rec.Result.ArtifactPath != "" {
					fmt.Printf("  %s %s\n", ui.info("artifact:"), rec.Result.ArtifactPath)
				}
			}
			return nil
		},
	}
}

func historyCmd(g *globals, ui *ui) *cobra.Command {
	var (
		stage string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent invocations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if stage != "" {
				q.Set("stage", stage)
			}
			q.Set("limit", strconv.Itoa(limit))
			var out struct {
				Invocations []domain.InvocationRecord `json:"invocations"`
			}
			if err := newClient(g).getJSON(cmd.Context(), http.MethodGet, "/v1/contentpipe/invocations?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(out.Invocations)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTAGE\tSTATE\tCREATED\tDURATION")
			for i := range out.Invocations {
				rec := &out.Invocations[i]
				dur := "-"
				if rec.Result != nil {
					dur = (time.Duration(rec.Result.DurationMs) * time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Stage, stateLabel(ui, rec), rec.CreatedAt.Format(time.RFC3339), dur)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Only this stage")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records")
	return cmd
}

func stateLabel(ui *ui, rec *domain.InvocationRecord) string {
	switch {
	case rec.Result != nil && rec.Result.OK():
		return ui.ok("success")
	case rec.Result != nil && rec.Result.Error != nil:
		return ui.err(string(rec.Result.Error.Kind))
	default:
		return ui.info(string(rec.State))
	}
}

func cancelCmd(g *globals, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Canceled bool `json:"canceled"`
			}
			err := newClient(g).getJSON(cmd.Context(), http.MethodDelete, "/v1/contentpipe/invocations/"+url.PathEscape(args[0]), nil, &out)
			if isNotFound(err) {
				return fmt.Errorf("invocation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if out.Canceled {
				fmt.Printf("%s Canceled %s\n", ui.ok("[OK]"), args[0])
			} else {
				fmt.Printf("%s %s already finished\n", ui.warn("[WARN]"), args[0])
			}
			return nil
		},
	}
}

func workersCmd(g *globals, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List running worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Workers []invoker.RunningWorker `json:"workers"`
			}
			if err := newClient(g).getJSON(cmd.Context(), http.MethodGet, "/v1/contentpipe/workers", nil, &out); err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(out.Workers)
			}
			if len(out.Workers) == 0 {
				fmt.Println(ui.dim("no workers running"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTAGE\tPID\tRUNNING")
			for _, wk := range out.Workers {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", wk.ID, wk.Stage, wk.PID, time.Since(wk.Started).Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.New("encode output: " + err.Error())
	}
	return nil
}
