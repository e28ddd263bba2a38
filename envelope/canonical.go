package envelope

import (
	"encoding/json"
	"fmt"
)

// Canonicalize produces the deterministic JSON form used for signing: a
// round-trip through a generic map/slice representation so that
// encoding/json's own lexicographic map-key ordering and compact (no
// insignificant whitespace) encoding apply recursively, at every nesting
// level. Any two implementations that canonicalize this way produce
// byte-identical output for the same logical document, which is what lets
// a signature travel between independently written nodes.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}
	return out, nil
}
