package stages

import (
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

// Write turns an audit artifact into a post draft.
func Write() Adapter {
	return &adapter{
		stage: domain.StageWrite,
		tool: domain.ToolInfo{
			Name:        domain.StageWrite,
			Description: "Write a post (title, content, topics) from an audit artifact.",
			Params: []domain.ParamInfo{
				stringParam("file", "Path of the audit artifact."),
				stringParam("keyword", "Topic keyword the post is about."),
			},
		},
		build: func(p domain.ToolParams) ([]string, error) {
			kw := strings.TrimSpace(p.Keyword)
			if kw == "" {
				return nil, badParam(domain.StageWrite, "keyword")
			}
			path, err := inputArtifact(domain.StageWrite, "file", p.File, domain.StageAudit)
			if err != nil {
				return nil, err
			}
			return []string{"--file", path, "--keyword", kw}, nil
		},
		scope: func(p domain.ToolParams, _ domain.Environment) string {
			return dirOf(p.File)
		},
		markers: pathBlock("__JSON_START__", "__JSON_END__"),
	}
}
