package archimedes

import "encoding/json"

// marshalJSON is a thin wrapper kept as a single choke point for the
// erased JSON boundary used by the handler registry, the error envelope,
// and the built-in health/ready endpoints.
func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
