package provider

import (
	"fmt"
	"strings"

	"mediagen/internal/entity"
	"mediagen/internal/utils"
)

// Validation helpers shared by the adapters. Each returns nil when the rule
// holds and a *ValidationError naming the field otherwise.

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Rule: "required", Message: "must not be empty"}
	}
	return nil
}

func checkMaxLength(field, value string, max int) error {
	if len(value) > max {
		return &ValidationError{
			Field:   field,
			Rule:    "max_length",
			Message: fmt.Sprintf("length %d exceeds maximum %d", len(value), max),
		}
	}
	return nil
}

func checkRange(field string, value, min, max int) error {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Rule:    "range",
			Message: fmt.Sprintf("%d outside [%d, %d]", value, min, max),
		}
	}
	return nil
}

func checkStep(field string, value, step int) error {
	if step > 0 && value%step != 0 {
		return &ValidationError{
			Field:   field,
			Rule:    "step",
			Message: fmt.Sprintf("%d is not a multiple of %d", value, step),
		}
	}
	return nil
}

func checkEnum(field, value string, allowed []string) error {
	if value == "" {
		return nil
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, value) {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Rule:    "enum",
		Message: fmt.Sprintf("%q not in {%s}", value, strings.Join(allowed, ", ")),
	}
}

// exclusiveField names one alternative inside a mutual exclusivity group.
type exclusiveField struct {
	Name string
	Set  bool
}

func exclusiveGroup(fields []exclusiveField) (group string, setCount int) {
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		names = append(names, field.Name)
		if field.Set {
			setCount++
		}
	}
	return strings.Join(names, "/"), setCount
}

// checkExactlyOne enforces a mutual exclusivity group: exactly one of the
// alternate fields must be set, never both and never neither. The group name
// in the error keeps the order the alternatives are passed in.
func checkExactlyOne(fields ...exclusiveField) error {
	group, setCount := exclusiveGroup(fields)
	switch {
	case setCount == 0:
		return &ValidationError{Field: group, Rule: "exactly_one", Message: "one of the alternatives is required"}
	case setCount > 1:
		return &ValidationError{Field: group, Rule: "exactly_one", Message: "alternatives are mutually exclusive"}
	}
	return nil
}

// checkAtMostOne enforces the exclusivity half of a group: alternate fields
// never combine, but the group as a whole may stay empty.
func checkAtMostOne(fields ...exclusiveField) error {
	group, setCount := exclusiveGroup(fields)
	if setCount > 1 {
		return &ValidationError{Field: group, Rule: "exactly_one", Message: "alternatives are mutually exclusive"}
	}
	return nil
}

func checkImageCount(images []string, max int) error {
	if len(images) > max {
		return &ValidationError{
			Field:   "images",
			Rule:    "max_count",
			Message: fmt.Sprintf("%d reference images exceed maximum %d", len(images), max),
		}
	}
	return nil
}

// normalizeInlineMedia strips data URI prefixes from inline base64 payloads,
// leaving remote URLs untouched. Returns a cleaned copy of the request.
func normalizeInlineMedia(request entity.SubmitTaskRequest) entity.SubmitTaskRequest {
	if len(request.Images) > 0 {
		cleaned := make([]string, 0, len(request.Images))
		for _, img := range request.Images {
			if utils.IsRemoteURL(img) {
				cleaned = append(cleaned, strings.TrimSpace(img))
				continue
			}
			cleaned = append(cleaned, utils.StripDataURLPrefix(img))
		}
		request.Images = cleaned
	}
	if request.ImageTail != "" && !utils.IsRemoteURL(request.ImageTail) {
		request.ImageTail = utils.StripDataURLPrefix(request.ImageTail)
	}
	if request.SoundFile != "" && !utils.IsRemoteURL(request.SoundFile) {
		request.SoundFile = utils.StripDataURLPrefix(request.SoundFile)
	}
	return request
}
