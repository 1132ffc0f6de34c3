package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output renders command results in the selected format.
type Output struct {
	Format string
	Writer io.Writer
}

// Print writes v as JSON or YAML, or calls text for the human format.
func (o *Output) Print(v any, text func(w io.Writer)) error {
	switch o.Format {
	case "json":
		enc := json.NewEncoder(o.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Go through JSON so raw payloads render as documents and field
		// names match the wire format.
		generic, err := toGeneric(v)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(o.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(o.Writer)
		return nil
	}
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return out, nil
}
