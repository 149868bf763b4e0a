package timeline

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// Aliases without the custom methods, used to reach the default encoding.
type (
	detailsFields Details
	itemFields    TrackItem
	designFields  Design
)

var knownKeys sync.Map // reflect.Type -> map[string]struct{}

func fieldKeys(t reflect.Type) map[string]struct{} {
	if cached, ok := knownKeys.Load(t); ok {
		return cached.(map[string]struct{})
	}
	keys := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		keys[name] = struct{}{}
	}
	knownKeys.Store(t, keys)
	return keys
}

// ExtraFields returns the members of the JSON object raw that the struct v
// does not declare. It returns nil when there are none or raw is not an
// object.
func ExtraFields(raw []byte, v any) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	known := fieldKeys(t)
	var extra map[string]json.RawMessage
	for k, val := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = val
	}
	return extra, nil
}

// marshalWithExtra encodes v and merges extra into the resulting object.
// Declared fields win over extra members of the same name.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return raw, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := out[k]; !ok {
			out[k] = val
		}
	}
	return json.Marshal(out)
}

func isNullJSON(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func cloneExtra(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = bytes.Clone(v)
	}
	return out
}

func (d Details) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(detailsFields(d), d.Extra)
}

func (d *Details) UnmarshalJSON(raw []byte) error {
	if isNullJSON(raw) {
		return nil
	}
	var f detailsFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	extra, err := ExtraFields(raw, f)
	if err != nil {
		return err
	}
	*d = Details(f)
	d.Extra = extra
	return nil
}

func (it TrackItem) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(itemFields(it), it.Extra)
}

func (it *TrackItem) UnmarshalJSON(raw []byte) error {
	if isNullJSON(raw) {
		return nil
	}
	var f itemFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	extra, err := ExtraFields(raw, f)
	if err != nil {
		return err
	}
	*it = TrackItem(f)
	it.Extra = extra
	return nil
}

func (d Design) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(designFields(d), d.Extra)
}

func (d *Design) UnmarshalJSON(raw []byte) error {
	if isNullJSON(raw) {
		return nil
	}
	var f designFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	extra, err := ExtraFields(raw, f)
	if err != nil {
		return err
	}
	*d = Design(f)
	d.Extra = extra
	return nil
}
