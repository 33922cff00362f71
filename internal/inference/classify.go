package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/banshee-data/lungseg/internal/errs"
)

// Reply is the raw HTTP response from the inference service.
type Reply struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Result is a classified reply.
type Result struct {
	Outcome Outcome
	// Payload is the accepted body, byte-identical to the reply.
	Payload []byte
	// Reason is the rejection reason or the verbatim server fault text.
	Reason string
	// Fields holds the decoded rejection document when it was a JSON object.
	Fields map[string]any
}

// reasonKeys are checked in order for a human-readable rejection reason.
var reasonKeys = []string{"error", "reason", "message"}

// Classify decides the outcome of a reply from its status code and body. The
// body is sniffed rather than trusting Content-Type: a JSON object on a 200 is
// a rejection, any other bytes (including empty) are the payload and are left
// for the decoder to judge. The returned error is nil only for Accepted.
func Classify(r *Reply) (*Result, error) {
	const op = "classify reply"
	if r == nil {
		return &Result{Outcome: Malformed}, errs.New(errs.KindNetwork, op, "no reply")
	}

	switch r.StatusCode {
	case http.StatusOK:
		if res := rejection(r.Body); res != nil {
			return res, errs.New(errs.KindRejection, op, res.Reason)
		}
		return &Result{Outcome: Accepted, Payload: r.Body}, nil

	case http.StatusInternalServerError:
		text := string(r.Body)
		return &Result{Outcome: ServerFault, Reason: text}, errs.New(errs.KindServerFault, op, text)

	default:
		return &Result{Outcome: Malformed}, errs.Newf(errs.KindNetwork, op, "unexpected status %d: %s", r.StatusCode, snippet(r.Body))
	}
}

// rejection returns nil unless body is a JSON object.
func rejection(body []byte) *Result {
	doc := bytes.TrimSpace(body)
	if len(doc) == 0 || doc[0] != '{' {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil
	}
	res := &Result{Outcome: Rejected, Fields: fields}
	for _, k := range reasonKeys {
		if s, ok := fields[k].(string); ok && s != "" {
			res.Reason = s
			return res
		}
	}
	res.Reason = renderFields(fields)
	return res
}

func renderFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "rejected without reason"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := fields[k]
		if s, ok := v.(string); ok {
			parts[i] = k + "=" + s
			continue
		}
		b, _ := json.Marshal(v)
		parts[i] = k + "=" + string(b)
	}
	return strings.Join(parts, " ")
}

const maxSnippet = 200

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxSnippet {
		return fmt.Sprintf("%s... (%d bytes)", s[:maxSnippet], len(b))
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
