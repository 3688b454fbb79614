package message

import (
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/SirClappington/jeeves/internal/domain"
)

var (
	errNotUTF8      = errors.New("body is not valid UTF-8")
	errNoProject    = errors.New(`no "project" field`)
	errBadProject   = errors.New(`"project" must be a string`)
	errEmptyProject = errors.New(`"project" is empty`)
)

// Parse validates a raw delivery body and extracts the job it names.
// It has no side effects; the same body always yields the same result.
// Parse never generates an id: callers fill Job.ID when the body has none.
func Parse(raw []byte, allowScript bool) (domain.Job, error) {
	if !utf8.Valid(raw) {
		return domain.Job{}, domain.NewError(domain.KindMalformedEncoding, errNotUTF8)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Job{}, domain.NewError(domain.KindMalformedStructure, err)
	}
	if doc == nil {
		// "null" decodes into a nil map without error.
		return domain.Job{}, domain.Errorf(domain.KindMalformedStructure, "body is not a JSON object")
	}

	project, err := stringField(doc, "project")
	switch {
	case errors.Is(err, errMissing):
		return domain.Job{}, domain.NewError(domain.KindMissingField, errNoProject)
	case err != nil:
		return domain.Job{}, domain.NewError(domain.KindMissingField, errBadProject)
	case project == "":
		return domain.Job{}, domain.NewError(domain.KindMissingField, errEmptyProject)
	}

	job := domain.Job{Project: project}
	// id and script are optional; a wrong type is treated as absent.
	job.ID, _ = stringField(doc, "id")
	if allowScript {
		job.Script, _ = stringField(doc, "script")
	}
	if c, ok := doc["content"]; ok && string(c) != "null" {
		job.Content = []byte(c)
	}
	return job, nil
}

var errMissing = errors.New("missing")

func stringField(doc map[string]json.RawMessage, key string) (string, error) {
	raw, ok := doc[key]
	if !ok {
		return "", errMissing
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
