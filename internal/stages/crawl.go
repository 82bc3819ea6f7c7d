package stages

import (
	"errors"
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

// Crawl searches the social platform for a keyword. The worker writes into
// a fixed directory, so concurrent crawls are serialized on it.
func Crawl() Adapter {
	return &adapter{
		stage: domain.StageCrawl,
		tool: domain.ToolInfo{
			Name:        domain.StageCrawl,
			Description: "Search notes and comments for a keyword and save them as a crawl artifact.",
			Params:      []domain.ParamInfo{stringParam("keyword", "Search keyword.")},
		},
		build: func(p domain.ToolParams) ([]string, error) {
			kw := strings.TrimSpace(p.Keyword)
			if kw == "" {
				return nil, badParam(domain.StageCrawl, "keyword")
			}
			return []string{"--keyword", kw}, nil
		},
		scope: func(_ domain.ToolParams, env domain.Environment) string {
			return env.OutputDir
		},
		markers: crawlMarkers,
	}
}

func crawlMarkers(stdout string) (*Outcome, bool, error) {
	block, ok := between(stdout, "__RESULT_PATH_START__", "__RESULT_PATH_END__")
	if !ok {
		return nil, false, nil
	}
	out := &Outcome{}
	for _, l := range lines(block) {
		if v, ok := field(l, "Contents:"); ok {
			out.ArtifactPath = v
			continue
		}
		if v, ok := field(l, "Comments:"); ok {
			out.Assets = append(out.Assets, v)
		}
	}
	if out.ArtifactPath == "" {
		return nil, true, errors.New("result block has no Contents path")
	}
	return out, true, nil
}
