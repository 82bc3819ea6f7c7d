package services

import (
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

const mask = "***"

// SecretSource supplies the credential values that must never leave the
// gateway verbatim.
type SecretSource interface {
	Secrets() []string
}

type redactor struct {
	src SecretSource
}

func (r redactor) replacer() *strings.Replacer {
	if r.src == nil {
		return nil
	}
	secrets := r.src.Secrets()
	if len(secrets) == 0 {
		return nil
	}
	pairs := make([]string, 0, 2*len(secrets))
	for _, s := range secrets {
		pairs = append(pairs, s, mask)
	}
	return strings.NewReplacer(pairs...)
}

func (r redactor) String(s string) string {
	if rep := r.replacer(); rep != nil {
		return rep.Replace(s)
	}
	return s
}

// Error returns a copy of err with every diagnostic field masked.
func (r redactor) Error(err error, stage domain.Stage) *domain.InvocationError {
	ie := domain.AsInvocationError(err, stage)
	rep := r.replacer()
	if rep == nil {
		return ie
	}
	c := *ie
	c.Message = rep.Replace(c.Message)
	c.Stdout = rep.Replace(c.Stdout)
	c.Stderr = rep.Replace(c.Stderr)
	c.Err = nil
	return &c
}
