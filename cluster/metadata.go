package cluster

import "encoding/json"

// encodeMetaDataForComparison serialises MetaData using the same fixed
// parameters used for persistence, so two encodings can be compared byte for
// byte to decide whether content actually changed.
func encodeMetaDataForComparison(m MetaData) ([]byte, error) {
	return jsonEncode(m)
}

func jsonEncode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func jsonDecode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
