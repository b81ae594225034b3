package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/titration-sim/internal/titration"
)

// Validator is implemented by structured outputs that carry range or
// consistency rules beyond what JSON decoding checks.
type Validator interface {
	Validate() error
}

// Decode parses model text into T and validates it. Markdown fences and prose
// around the JSON object are tolerated. Any failure is a
// *titration.SchemaValidationError; a partially decoded value is never returned.
func Decode[T any](schema, raw string) (T, error) {
	var zero, out T
	body := extractJSONObject(stripCodeFence(raw))
	if body == "" {
		return zero, &titration.SchemaValidationError{Schema: schema, Raw: raw, Err: errors.New("empty response")}
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&out); err != nil {
		return zero, &titration.SchemaValidationError{Schema: schema, Raw: raw, Err: err}
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return zero, &titration.SchemaValidationError{Schema: schema, Raw: raw, Err: err}
		}
	}
	return out, nil
}

// StructuredResult is the outcome of CompleteStructured. Attempts counts model
// calls made, so 2 means the corrective retry ran.
type StructuredResult[T any] struct {
	Value    T
	Raw      string
	Attempts int
}

// CompleteStructured asks the model for a schema-conformant value. When the
// first answer fails validation the request is repeated once with the
// invalid answer and a corrective instruction appended. Transport errors are
// returned as they are; a second validation failure returns the
// *titration.SchemaValidationError.
func CompleteStructured[T any](ctx context.Context, client Client, req Request, schema string, corrective func(error) string) (StructuredResult[T], error) {
	result := StructuredResult[T]{}

	resp, err := client.Complete(ctx, req)
	result.Attempts++
	if err != nil {
		return result, err
	}
	result.Raw = resp.Text
	value, verr := Decode[T](schema, resp.Text)
	if verr == nil {
		result.Value = value
		return result, nil
	}

	retry := req
	retry.Messages = append(append([]Message(nil), req.Messages...),
		Message{Role: RoleAssistant, Content: resp.Text},
		Message{Role: RoleUser, Content: correctiveText(corrective, verr)},
	)
	resp, err = client.Complete(ctx, retry)
	result.Attempts++
	if err != nil {
		return result, err
	}
	result.Raw = resp.Text
	value, verr = Decode[T](schema, resp.Text)
	if verr != nil {
		return result, verr
	}
	result.Value = value
	return result, nil
}

func correctiveText(corrective func(error) string, err error) string {
	if corrective != nil {
		if text := strings.TrimSpace(corrective(err)); text != "" {
			return text
		}
	}
	return fmt.Sprintf("Your previous answer could not be used: %v. Reply again with only the JSON object.", err)
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func extractJSONObject(text string) string {
	if strings.HasPrefix(text, "{") {
		return text
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
