package completion

import (
	"context"
	"encoding/json"
	"fmt"
)

// Synthetic is an offline Caller that answers every request with a placeholder
// document built from the contract alone: strings echo their property name,
// enums pick their first value, numbers are 0, booleans false, arrays hold one item.
//
// Used for --dry-run and for wiring tests that do not care about content.
type Synthetic struct{}

func (Synthetic) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Contract == nil {
		return nil, fmt.Errorf("synthetic: request %q has no contract", req.Name)
	}
	return json.Marshal(placeholder(req.Contract, req.Name))
}

func placeholder(s *Shape, name string) any {
	switch s.Kind {
	case KindObject:
		out := make(map[string]any, len(s.Properties))
		for _, p := range s.Properties {
			out[p.Name] = placeholder(p.Shape, p.Name)
		}
		return out
	case KindArray:
		if s.Items == nil {
			return []any{}
		}
		return []any{placeholder(s.Items, name)}
	case KindNumber:
		return 0
	case KindBoolean:
		return false
	default:
		if len(s.Enum) > 0 {
			return s.Enum[0]
		}
		return name
	}
}
