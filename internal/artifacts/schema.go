package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func schemaFor(stage domain.Stage) any {
	switch stage {
	case domain.StageCrawl:
		return &domain.CrawlArtifact{}
	case domain.StageAudit:
		return &domain.AuditArtifact{}
	case domain.StageWrite:
		return &domain.PostArtifact{}
	case domain.StageIllustrate:
		return &domain.IllustrationArtifact{}
	case domain.StagePublish:
		return &domain.PublishReceipt{}
	}
	return nil
}

// Validate checks raw against the current schema of stage and returns the
// schema version the document declares (the current one when untagged).
func Validate(stage domain.Stage, raw []byte) (int, error) {
	doc := bytes.TrimSpace(raw)
	if len(doc) == 0 {
		return 0, fmt.Errorf("%w: empty document", ErrInvalid)
	}

	// crawl and audit workers emit the note list without a wrapper
	if doc[0] == '[' {
		if stage != domain.StageCrawl && stage != domain.StageAudit {
			return 0, fmt.Errorf("%w: %s artifact must be a JSON object", ErrInvalid, stage)
		}
		var notes []map[string]any
		if err := json.Unmarshal(doc, &notes); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return domain.SchemaVersion, nil
	}

	target := schemaFor(stage)
	if target == nil {
		return 0, fmt.Errorf("%w: no schema for stage %q", ErrInvalid, stage)
	}
	if err := json.Unmarshal(doc, target); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var env domain.Envelope
	_ = json.Unmarshal(doc, &env)
	if env.Stage != "" && env.Stage != stage {
		return 0, fmt.Errorf("%w: tagged as %s, expected %s", ErrInvalid, env.Stage, stage)
	}
	if env.SchemaVersion > domain.SchemaVersion {
		return 0, fmt.Errorf("%w: schema_version %d is newer than supported %d", ErrInvalid, env.SchemaVersion, domain.SchemaVersion)
	}

	if err := validate.Struct(target); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}
	if env.SchemaVersion == 0 {
		return domain.SchemaVersion, nil
	}
	return env.SchemaVersion, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
