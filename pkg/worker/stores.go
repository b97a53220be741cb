package worker

import (
	"encoding/base64"
	"encoding/json"
)

// encodeStoreBlob/decodeStoreBlob replace TSDAP/spider/context.py's _read_stores/
// _write_stores base64+pickle encoding with base64+JSON: pickle has no Go equivalent and
// JSON already covers the plain key/value data stores hold, without reaching for a binary
// serialization library the rest of the corpus never uses.
func encodeStoreBlob(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeStoreBlob(v any) (map[string]any, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false
	}
	return data, true
}
