// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/piresence/internal/hass"
)

// Decode reads every YAML document from r. Empty documents are skipped.
func Decode(r io.Reader) ([]hass.Event, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var events []hass.Event
	for doc := 1; ; doc++ {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if rec.EventType == "" {
			continue
		}
		ev, err := rec.Event()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		events = append(events, ev)
	}
}

// ReadFile decodes the event log at path.
func ReadFile(path string) ([]hass.Event, error) {
	// #nosec G304 -- path comes from the operator
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	events, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read event log %s: %w", path, err)
	}
	return events, nil
}
