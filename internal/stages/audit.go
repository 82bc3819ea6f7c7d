package stages

import "github.com/osvaldoandrade/contentpipe/pkg/domain"

// Audit scores crawled notes against their comments.
func Audit() Adapter {
	return &adapter{
		stage: domain.StageAudit,
		tool: domain.ToolInfo{
			Name:        domain.StageAudit,
			Description: "Audit the credibility of crawled notes using their comments.",
			Params:      []domain.ParamInfo{stringParam("file", "Path of the crawl artifact (contents file).")},
		},
		build: func(p domain.ToolParams) ([]string, error) {
			path, err := inputArtifact(domain.StageAudit, "file", p.File, domain.StageCrawl)
			if err != nil {
				return nil, err
			}
			return []string{"--file", path}, nil
		},
		scope: func(p domain.ToolParams, _ domain.Environment) string {
			return dirOf(p.File)
		},
		markers: pathBlock("__ANALYSIS_RESULT_START__", "__ANALYSIS_RESULT_END__"),
	}
}
