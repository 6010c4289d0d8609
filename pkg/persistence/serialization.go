package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// MarshalApproval serializes an ApprovalRequest to JSON bytes.
func MarshalApproval(a *types.ApprovalRequest) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("cannot marshal nil ApprovalRequest")
	}
	return json.Marshal(a)
}

// UnmarshalApproval deserializes an ApprovalRequest from JSON bytes.
func UnmarshalApproval(data []byte) (*types.ApprovalRequest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var a types.ApprovalRequest
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to ApprovalRequest: %w", err)
	}
	return &a, nil
}

// MarshalVote serializes a Vote to JSON bytes.
func MarshalVote(v *types.Vote) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot marshal nil Vote")
	}
	return json.Marshal(v)
}

// UnmarshalVote deserializes a Vote from JSON bytes.
func UnmarshalVote(data []byte) (*types.Vote, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var v types.Vote
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to Vote: %w", err)
	}
	return &v, nil
}

// MarshalMultisigConfig serializes a MultisigConfig to JSON bytes.
func MarshalMultisigConfig(cfg *types.MultisigConfig) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cannot marshal nil MultisigConfig")
	}
	return json.Marshal(cfg)
}

// UnmarshalMultisigConfig deserializes a MultisigConfig from JSON bytes.
func UnmarshalMultisigConfig(data []byte) (*types.MultisigConfig, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var cfg types.MultisigConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to MultisigConfig: %w", err)
	}
	return &cfg, nil
}
