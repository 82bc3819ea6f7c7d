package stages

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/osvaldoandrade/contentpipe/internal/artifacts"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

var (
	publishSuccess = []string{"__PUBLISH_SUCCESS__", "发布成功"}
	linkPrefixes   = []string{"Link:", "🔗 链接:", "链接:"}
)

// Publish posts a written draft with its images. The gateway records a
// receipt beside the source post.
func Publish() Adapter {
	return &adapter{
		stage: domain.StagePublish,
		tool: domain.ToolInfo{
			Name:        domain.StagePublish,
			Description: "Publish a written post together with its images.",
			Params: []domain.ParamInfo{
				stringParam("json_path", "Path of the write artifact (post JSON)."),
				{Name: "images", Type: "array", Required: true, Description: "Absolute paths of the images to attach (at least one)."},
			},
		},
		build:    buildPublish,
		scope:    func(p domain.ToolParams, _ domain.Environment) string { return dirOf(p.JSONPath) },
		markers:  publishMarkers,
		complete: publishReceipt,
	}
}

func buildPublish(p domain.ToolParams) ([]string, error) {
	path, err := inputArtifact(domain.StagePublish, "json_path", p.JSONPath, domain.StageWrite)
	if err != nil {
		return nil, err
	}
	if len(p.Images) == 0 {
		return nil, domain.BadRequest(domain.StagePublish, "at least one image is required")
	}
	args := []string{"--json_path", path, "--images"}
	for _, img := range p.Images {
		abs, err := filepath.Abs(strings.TrimSpace(img))
		if err != nil || img == "" || !artifacts.Exists(abs) {
			return nil, domain.BadRequest(domain.StagePublish, "image %q not found", img)
		}
		args = append(args, abs)
	}
	return args, nil
}

func publishMarkers(stdout string) (*Outcome, bool, error) {
	ok := false
	for _, m := range publishSuccess {
		if strings.Contains(stdout, m) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, false, nil
	}
	out := &Outcome{}
	for _, l := range lines(stdout) {
		for _, prefix := range linkPrefixes {
			if v, found := field(l, prefix); found {
				out.Link = v
			}
		}
	}
	return out, true, nil
}

func publishReceipt(p domain.ToolParams, out *Outcome) error {
	if out.ArtifactPath != "" || out.Inline != nil {
		return nil
	}
	source, _ := filepath.Abs(p.JSONPath)
	images := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		abs, _ := filepath.Abs(img)
		images = append(images, abs)
	}
	r := domain.PublishReceipt{
		Envelope: domain.Envelope{Stage: domain.StagePublish, SchemaVersion: domain.SchemaVersion},
		Source:   source,
		Images:   images,
		Link:     out.Link,
	}
	doc, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	out.Inline = doc
	out.InlineDir = filepath.Dir(source)
	out.Assets = images
	return nil
}
