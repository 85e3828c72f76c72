// Package api exposes the daemon over gRPC. Requests and responses travel as
// google.protobuf.Struct documents whose fields mirror the JSON shapes in
// types.go, so both ends share one set of Go types and no generated code.
package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// decode fills out from s through its JSON form. A nil s leaves out untouched.
func decode(s *structpb.Struct, out any) error {
	if s == nil {
		return nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}
