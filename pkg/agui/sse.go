package agui

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteSSE writes one event frame in server-sent-event form:
//
//	event: <TYPE>\n
//	data: <single-line JSON>\n
//	\n
//
// The JSON line carries the full event (type, timestamp, data) so clients
// that ignore the event: line still see the type.
func WriteSSE(w io.Writer, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
	return err
}

// WriteComment writes an SSE comment frame (`: text\n\n`). Comment frames
// are keep-alives; clients must ignore their content.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
