package export

import (
	"encoding/json"
	"io"
)

// JSONExporter writes the transcript as one pretty-printed document.
type JSONExporter struct{}

func (e *JSONExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func (e *JSONExporter) Extension() string   { return "json" }
func (e *JSONExporter) ContentType() string { return "application/json" }

// JSONLExporter writes one message per line.
type JSONLExporter struct{}

func (e *JSONLExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, m := range t.Messages {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func (e *JSONLExporter) Extension() string   { return "jsonl" }
func (e *JSONLExporter) ContentType() string { return "application/x-ndjson" }
