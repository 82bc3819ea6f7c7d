package stages

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osvaldoandrade/contentpipe/internal/artifacts"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

// Illustrate renders images for a post draft. The worker reports image
// paths only; the gateway records them in a manifest next to the images.
func Illustrate() Adapter {
	return &adapter{
		stage: domain.StageIllustrate,
		tool: domain.ToolInfo{
			Name:        domain.StageIllustrate,
			Description: "Generate images for a written post.",
			Params:      []domain.ParamInfo{stringParam("file", "Path of the write artifact (post JSON).")},
		},
		build: func(p domain.ToolParams) ([]string, error) {
			path, err := inputArtifact(domain.StageIllustrate, "file", p.File, domain.StageWrite)
			if err != nil {
				return nil, err
			}
			return []string{"--file", path}, nil
		},
		scope: func(p domain.ToolParams, _ domain.Environment) string {
			return dirOf(p.File)
		},
		markers:  illustrateMarkers,
		complete: illustrationManifest,
	}
}

func illustrateMarkers(stdout string) (*Outcome, bool, error) {
	if path, ok := between(stdout, "__JSON_START__", "__JSON_END__"); ok && path != "" {
		return &Outcome{ArtifactPath: lastLine(path)}, true, nil
	}
	block, ok := between(stdout, "__IMAGES_START__", "__IMAGES_END__")
	if !ok {
		return nil, false, nil
	}
	out := &Outcome{Assets: lines(block)}
	for _, l := range lines(stdout) {
		if v, ok := field(l, "__OUTPUT_DIR__:"); ok {
			out.OutputDir = v
		}
	}
	if len(out.Assets) == 0 {
		return nil, true, errors.New("image block is empty")
	}
	return out, true, nil
}

func illustrationManifest(p domain.ToolParams, out *Outcome) error {
	if out.ArtifactPath != "" || out.Inline != nil {
		return nil
	}
	if len(out.Assets) == 0 {
		return errors.New("worker reported no images")
	}
	for _, img := range out.Assets {
		if !artifacts.Exists(img) {
			return fmt.Errorf("reported image %s does not exist", img)
		}
	}

	m := domain.IllustrationArtifact{
		Envelope:  domain.Envelope{Stage: domain.StageIllustrate, SchemaVersion: domain.SchemaVersion},
		Source:    p.File,
		OutputDir: out.OutputDir,
		Images:    out.Assets,
	}
	if p.File != "" {
		if abs, err := filepath.Abs(p.File); err == nil {
			m.Source = abs
		}
		if raw, err := os.ReadFile(m.Source); err == nil {
			var post domain.PostArtifact
			if json.Unmarshal(raw, &post) == nil {
				m.Title, m.Content, m.Topics = post.Title, post.Content, post.Topics
			}
		}
	}
	doc, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	out.Inline = doc
	out.InlineDir = out.OutputDir
	if out.InlineDir == "" {
		out.InlineDir = filepath.Dir(out.Assets[0])
	}
	return nil
}
