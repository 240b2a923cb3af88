package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var marshalOptions = protojson.MarshalOptions{
	UseProtoNames:   false,
	EmitUnpopulated: false,
}

// Encode renders msg as compact canonical JSON.
func Encode(msg proto.Message) ([]byte, error) {
	raw, err := marshalOptions.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to format response: %w", err)
	}

	// protojson output is deliberately unstable in its whitespace
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("failed to format response: %w", err)
	}
	return buf.Bytes(), nil
}
