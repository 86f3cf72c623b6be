package pipeline

import (
	"strconv"
	"strings"

	"go-data-migrate/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

// ValidateJob checks everything that can be checked before a document is
// read. Every failure is a *DefinitionError.
func ValidateJob(job Job) error {
	if err := ValidateMigration(job.Migration); err != nil {
		return err
	}
	if job.Source == nil {
		return definitionErrorf("no document source configured")
	}
	if job.Context == nil {
		return definitionErrorf("no migration context configured")
	}
	if job.Committer == nil {
		return definitionErrorf("no committer configured")
	}
	if err := validate.Struct(job.Options); err != nil {
		return definitionErrorf("%s", describe(err))
	}
	return nil
}

// ValidateMigration checks the shape of a migration definition.
func ValidateMigration(m model.Migration) error {
	switch {
	case m.Node == nil && m.Async == nil:
		return definitionErrorf("migration %q has no definition", m.Name)
	case m.Node != nil && m.Async != nil:
		return definitionErrorf("migration %q defines both a per-node and a free-form migration", m.Name)
	}
	for _, t := range m.DocumentTypes {
		if strings.TrimSpace(t) == "" {
			return definitionErrorf("migration %q lists an empty document type", m.Name)
		}
	}
	return nil
}

// describe turns validator output into a single readable line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Concurrency":
			parts = append(parts, "concurrency must be between 1 and "+strconv.Itoa(model.MaxConcurrency))
		default:
			parts = append(parts, strings.TrimSpace(strings.ToLower(fe.Namespace())+" fails "+fe.Tag()+" "+fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}
