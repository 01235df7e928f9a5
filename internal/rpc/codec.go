// Package rpc serves specialists over gRPC and calls them remotely.
//
// There is no generated stub. The single unary method carries
// google.protobuf.Struct values holding the JSON form of the session state
// and of the returned update.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/bizpartner/internal/domain"
)

// Service and method names.
const (
	ServiceName   = "bizpartner.v1.Specialist"
	ProcessMethod = "/" + ServiceName + "/Process"
)

type wireTurn struct {
	Hop        int         `json:"hop"`
	MaxHops    int         `json:"max_hops"`
	Now        time.Time   `json:"now"`
	Specialist domain.Role `json:"specialist,omitempty"`
}

type wireRequest struct {
	Role         domain.Role   `json:"role"`
	State        *domain.State `json:"state"`
	Instructions string        `json:"instructions,omitempty"`
	Turn         wireTurn      `json:"turn"`
}

func encodeRequest(role domain.Role, s *domain.State) (*structpb.Struct, error) {
	return toStruct(wireRequest{
		Role:         role,
		State:        s,
		Instructions: s.Instructions,
		Turn: wireTurn{
			Hop:        s.Turn.Hop,
			MaxHops:    s.Turn.MaxHops,
			Now:        s.Turn.Now,
			Specialist: s.Turn.Specialist,
		},
	})
}

func decodeRequest(in *structpb.Struct) (domain.Role, *domain.State, error) {
	var req wireRequest
	if err := fromStruct(in, &req); err != nil {
		return "", nil, err
	}
	if req.State == nil {
		return "", nil, fmt.Errorf("request has no state")
	}
	s := req.State
	s.Instructions = req.Instructions
	s.Turn = domain.TurnInfo{
		Hop:        req.Turn.Hop,
		MaxHops:    req.Turn.MaxHops,
		Now:        req.Turn.Now,
		Specialist: req.Turn.Specialist,
	}
	return req.Role, s, nil
}

func encodeUpdate(up domain.Update) (*structpb.Struct, error) {
	return toStruct(up)
}

func decodeUpdate(in *structpb.Struct) (domain.Update, error) {
	var up domain.Update
	if err := fromStruct(in, &up); err != nil {
		return domain.Update{}, err
	}
	return up, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return st, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
