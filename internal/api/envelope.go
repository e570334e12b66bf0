package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope marshals to {"success":true, ...payload} or
// {"success":false,"error":"..."}. Payload must encode to a JSON object
// (a struct or a map); its fields are spread next to "success".
type Envelope struct {
	Success bool
	Error   string
	Payload any
}

// OK wraps payload in a successful envelope.
func OK(payload any) Envelope { return Envelope{Success: true, Payload: payload} }

// Fail turns err into a failed envelope carrying its message.
func Fail(err error) Envelope {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Envelope{Error: msg}
}

// Err returns the failure as an error, or nil for a successful envelope.
func (e Envelope) Err() error {
	if e.Success {
		return nil
	}
	return fmt.Errorf("%s", e.Error)
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Success && e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("envelope payload must be an object: %w", err)
			}
		}
	}
	fields["success"], _ = json.Marshal(e.Success)
	if !e.Success {
		fields["error"], _ = json.Marshal(e.Error)
	}
	return json.Marshal(fields)
}

// UnmarshalJSON keeps everything except success/error as a map payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*e = Envelope{}
	if raw, ok := fields["success"]; ok {
		if err := json.Unmarshal(raw, &e.Success); err != nil {
			return fmt.Errorf("envelope success: %w", err)
		}
	}
	if raw, ok := fields["error"]; ok {
		if err := json.Unmarshal(raw, &e.Error); err != nil {
			return fmt.Errorf("envelope error: %w", err)
		}
	}
	delete(fields, "success")
	delete(fields, "error")
	if len(fields) > 0 {
		e.Payload = fields
	}
	return nil
}
