package api

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/repcam/backend/internal/session"
)

// writeEvent frames one session event for the push stream: a named event
// line, a JSON data line, and a blank-line separator.
func writeEvent(w io.Writer, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
