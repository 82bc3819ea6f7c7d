package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// step derives the parameters of one stage from the results so far.
type step struct {
	stage  domain.Stage
	params func(keyword string, prev map[domain.Stage]*domain.InvocationResult) (domain.ToolParams, error)
}

var pipeline = []step{
	{domain.StageCrawl, func(kw string, _ map[domain.Stage]*domain.InvocationResult) (domain.ToolParams, error) {
		return domain.ToolParams{Keyword: kw}, nil
	}},
	{domain.StageAudit, func(_ string, prev map[domain.Stage]*domain.InvocationResult) (domain.ToolParams, error) {
		return domain.ToolParams{File: prev[domain.StageCrawl].ArtifactPath}, nil
	}},
	{domain.StageWrite, func(kw string, prev map[domain.Stage]*domain.InvocationResult) (domain.ToolParams, error) {
		return domain.ToolParams{File: prev[domain.StageAudit].ArtifactPath, Keyword: kw}, nil
	}},
	{domain.StageIllustrate, func(_ string, prev map[domain.Stage]*domain.InvocationResult) (domain.ToolParams, error) {
		return domain.ToolParams{File: prev[domain.StageWrite].ArtifactPath}, nil
	}},
	{domain.StagePublish, func(_ string, prev map[domain.Stage]*domain.InvocationResult) (domain.ToolParams, error) {
		images := prev[domain.StageIllustrate].Assets
		if len(images) == 0 {
			return domain.ToolParams{}, errors.New("illustrate produced no images to publish")
		}
		return domain.ToolParams{JSONPath: prev[domain.StageWrite].ArtifactPath, Images: images}, nil
	}},
}

func runCmd(g *globals, ui *ui) *cobra.Command {
	var (
		keyword   string
		stopAfter string
		timeout   int
	)
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run crawl, audit, write, illustrate and publish for one keyword",
		Example: `contentpipe run --keyword "home espresso" --stop-after write`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(keyword) == "" {
				return errors.New("keyword is required")
			}
			steps := pipeline
			if stopAfter != "" {
				n := indexOf(domain.Stage(stopAfter))
				if n < 0 {
					return fmt.Errorf("unknown stage %q", stopAfter)
				}
				steps = pipeline[:n+1]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			results, err := runPipeline(ctx, newClient(g), ui, keyword, steps, timeout, g.output == "text")
			if g.output == "json" {
				if perr := printJSON(results); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if g.output == "text" {
				last := results[len(results)-1]
				fmt.Printf("%s pipeline finished after %s\n", ui.ok("[OK]"), last.Stage)
				printResult(ui, last)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyword, "keyword", "", "Topic keyword")
	cmd.Flags().StringVar(&stopAfter, "stop-after", "", "Last stage to run")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Per-stage timeout override in seconds")
	return cmd
}

// runPipeline invokes steps in order, feeding each artifact into the next
// stage. It stops at the first failure and returns the results so far.
func runPipeline(ctx context.Context, c *client, ui *ui, keyword string, steps []step, timeout int, showProgress bool) ([]*domain.InvocationResult, error) {
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(steps),
			progressbar.OptionSetDescription("pipeline"),
			progressbar.OptionSetWidth(18),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}
	prev := make(map[domain.Stage]*domain.InvocationResult, len(steps))
	out := make([]*domain.InvocationResult, 0, len(steps))
	for _, st := range steps {
		params, err := st.params(keyword, prev)
		if err != nil {
			return out, fmt.Errorf("%s: %w", st.stage, err)
		}
		if bar != nil {
			bar.Describe(string(st.stage))
		}
		id := uuid.NewString()
		var res *domain.InvocationResult
		if showProgress {
			res, err = invokeWithSpinner(ctx, c, ui, st.stage, id, params, timeout)
		} else {
			res, err = c.invoke(ctx, st.stage, id, params, timeout)
		}
		if err != nil {
			return out, err
		}
		prev[st.stage] = res
		out = append(out, res)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return out, nil
}

func indexOf(stage domain.Stage) int {
	for i, st := range pipeline {
		if st.stage == stage {
			return i
		}
	}
	return -1
}
