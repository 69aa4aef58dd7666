package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// mediaTypes is the allow-list of declared media reference types.
var mediaTypes = map[string]struct{}{
	"output": {},
	"temp":   {},
	"input":  {},
	"image":  {},
	"gif":    {},
	"video":  {},
	"audio":  {},
	"mesh":   {},
	"3d":     {},
	"file":   {},
}

type MediaItem struct {
	URL            string   `json:"url"`
	Type           string   `json:"type"`
	Filename       string   `json:"filename"`
	Subfolder      string   `json:"subfolder,omitempty"`
	IsPublic       *bool    `json:"is_public,omitempty"`
	UploadDuration *float64 `json:"upload_duration,omitempty"`
}

func (m MediaItem) sameAs(o MediaItem) bool {
	return m.URL == o.URL && m.Filename == o.Filename && m.Subfolder == o.Subfolder
}

// OutputValue is one entry of an output slot: a media reference, a string or a boolean.
type OutputValue struct {
	Media *MediaItem
	Text  *string
	Bool  *bool
}

func TextValue(s string) OutputValue { return OutputValue{Text: &s} }
func BoolValue(b bool) OutputValue   { return OutputValue{Bool: &b} }
func MediaValue(m MediaItem) OutputValue {
	return OutputValue{Media: &m}
}

func (v OutputValue) IsMedia() bool { return v.Media != nil }

func (v OutputValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Media != nil:
		return json.Marshal(v.Media)
	case v.Text != nil:
		return json.Marshal(*v.Text)
	case v.Bool != nil:
		return json.Marshal(*v.Bool)
	}
	return []byte("null"), nil
}

func (v *OutputValue) UnmarshalJSON(b []byte) error {
	parsed, err := decodeOutputValue(b)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func decodeOutputValue(raw json.RawMessage) (OutputValue, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return OutputValue{}, fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return OutputValue{}, err
		}
		return TextValue(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return OutputValue{}, err
		}
		return BoolValue(b), nil
	case '{':
		var m MediaItem
		if err := json.Unmarshal(raw, &m); err != nil {
			return OutputValue{}, err
		}
		if m.URL == "" {
			return OutputValue{}, fmt.Errorf("media reference without url")
		}
		if _, ok := mediaTypes[m.Type]; !ok {
			return OutputValue{}, fmt.Errorf("media type %q not allowed", m.Type)
		}
		return MediaValue(m), nil
	}
	return OutputValue{}, fmt.Errorf("unsupported value %s", string(raw))
}

// DecodeOutputData parses an output payload slot by slot. Slots that fail
// validation are left out of data and reported in invalid, sorted by name.
// A slot may be a list of values or a single value.
func DecodeOutputData(payload map[string]json.RawMessage) (data map[string][]OutputValue, invalid []string) {
	data = make(map[string][]OutputValue, len(payload))
	for slot, raw := range payload {
		values, err := decodeSlot(raw)
		if err != nil || slot == "" {
			invalid = append(invalid, slot)
			continue
		}
		data[slot] = values
	}
	sort.Strings(invalid)
	return data, invalid
}

func decodeSlot(raw json.RawMessage) ([]OutputValue, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make([]OutputValue, 0, len(items))
		for _, item := range items {
			v, err := decodeOutputValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	v, err := decodeOutputValue(raw)
	if err != nil {
		return nil, err
	}
	return []OutputValue{v}, nil
}

type Output struct {
	ID       string                   `json:"id"`
	OutputID string                   `json:"output_id,omitempty"`
	RunID    string                   `json:"run_id"`
	NodeID   string                   `json:"node_id,omitempty"`
	Data     map[string][]OutputValue `json:"data"`
	NodeMeta json.RawMessage          `json:"node_meta,omitempty"`
	Version  int64                    `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeKey identifies the output record a payload folds into. An empty key
// means the payload always produces a new record.
func MergeKey(clientOutputID, nodeID string) string {
	if clientOutputID == "" {
		return ""
	}
	return clientOutputID + "|" + nodeID
}

// Merge folds data into the record. Slots holding only media references are
// concatenated (skipping references already present); any other slot is
// replaced by the incoming values.
func (o *Output) Merge(data map[string][]OutputValue, nodeMeta json.RawMessage, at time.Time) {
	if o.Data == nil {
		o.Data = make(map[string][]OutputValue, len(data))
	}
	for slot, incoming := range data {
		if !allMedia(incoming) || !allMedia(o.Data[slot]) {
			o.Data[slot] = append([]OutputValue(nil), incoming...)
			continue
		}
		merged := o.Data[slot]
		for _, v := range incoming {
			if !containsMedia(merged, *v.Media) {
				merged = append(merged, v)
			}
		}
		o.Data[slot] = merged
	}
	if len(bytes.TrimSpace(nodeMeta)) > 0 && string(bytes.TrimSpace(nodeMeta)) != "null" {
		o.NodeMeta = nodeMeta
	}
	if at.After(o.UpdatedAt) {
		o.UpdatedAt = at
	}
}

func allMedia(values []OutputValue) bool {
	for _, v := range values {
		if !v.IsMedia() {
			return false
		}
	}
	return true
}

func containsMedia(values []OutputValue, m MediaItem) bool {
	for _, v := range values {
		if v.Media != nil && v.Media.sameAs(m) {
			return true
		}
	}
	return false
}
