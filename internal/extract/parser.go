package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json|JSON|javascript|js)?\\s*\\n?(.*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)

	validate = newValidator()
)

// newValidator reports fields by their JSON names so the model sees its own keys in errors
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parser maps raw model output onto a typed value
type Parser[T any] interface {
	Parse(text string) (T, error)
	FormatInstructions() string
}

// JSONParser decodes a JSON object from model output and validates it with
// `validate` struct tags.
type JSONParser[T any] struct {
	instructions string
}

// NewJSONParser creates a parser; instructions are repeated to the model on a failed parse
func NewJSONParser[T any](instructions string) *JSONParser[T] {
	return &JSONParser[T]{instructions: instructions}
}

// FormatInstructions returns the output format the model must follow
func (p *JSONParser[T]) FormatInstructions() string {
	return p.instructions
}

// Parse tries the raw text first, then the fenced block, then the outermost object
func (p *JSONParser[T]) Parse(text string) (T, error) {
	var zero T

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, errors.New("empty output, expected a JSON object")
	}

	var lastErr error
	for _, candidate := range candidates(trimmed) {
		var value T
		decoder := json.NewDecoder(strings.NewReader(candidate))
		if err := decoder.Decode(&value); err != nil {
			lastErr = fmt.Errorf("invalid JSON: %w", err)
			continue
		}
		if err := validate.Struct(value); err != nil {
			// the JSON was well formed, so report what is missing rather than trying other slices
			return zero, describeValidation(err)
		}
		return value, nil
	}

	return zero, lastErr
}

// candidates lists progressively more aggressive cleanups of the output
func candidates(text string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	add(text)
	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		add(m[1])
		add(trailingCommaRegex.ReplaceAllString(m[1], "$1"))
	}
	if obj := outermostObject(text); obj != "" {
		add(obj)
		add(trailingCommaRegex.ReplaceAllString(obj, "$1"))
	}
	return out
}

// outermostObject returns the text between the first '{' and the last '}'
func outermostObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid output: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field %q is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("field %q must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("field %q failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
