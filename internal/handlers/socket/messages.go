package socket

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/thoas/go-funk"
)

// Inbound event names.
const (
	EventGenerateReport = "generateReport"
	EventSetJobDone     = "setJobDone"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event" validate:"required"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type GenerateReport struct {
	Target string `json:"target" validate:"required,target"`
}

// SetJobDone accepts either a bare job id or an object carrying it.
type SetJobDone struct {
	JobID string `json:"jobId" validate:"required,uuid"`
}

func (s *SetJobDone) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.JobID)
	}

	type plain SetJobDone
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = SetJobDone(p)
	return nil
}

// parseTargets reads the subscribed targets of the handshake. targets holds a
// JSON array or a comma separated list; target may be repeated.
func parseTargets(q url.Values) []string {
	targets := []string{}

	if raw := q.Get("targets"); raw != "" {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			list = strings.Split(raw, ",")
		}
		targets = append(targets, list...)
	}
	targets = append(targets, q["target"]...)

	cleaned := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return funk.UniqString(cleaned)
}
