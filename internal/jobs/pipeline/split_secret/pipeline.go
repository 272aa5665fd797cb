package split_secret

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	jobrt "github.com/yungbote/cmdledger/internal/jobs/runtime"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

const (
	Context = "SPLIT_SECRET"

	defaultShares    = 3
	defaultThreshold = 2
	defaultSecretLen = 32
)

type Request struct {
	Shares    int `json:"shares,omitempty"`
	Threshold int `json:"threshold,omitempty"`
	SecretLen int `json:"secret_len,omitempty"`
}

type Response struct {
	NodeID    string   `json:"node_id"`
	Threshold int      `json:"threshold"`
	Shares    [][]byte `json:"shares"`
}

type Pipeline struct {
	log *logger.Logger
}

func New(baseLog *logger.Logger) *Pipeline {
	return &Pipeline{log: baseLog.With("pipeline", Context)}
}

func (p *Pipeline) Type() string { return Context }

// Run draws a fresh random secret and splits it. Replays return the same
// shares because the response is recorded, not recomputed.
func (p *Pipeline) Run(jc *jobrt.Context) ([]byte, error) {
	if jc == nil {
		return nil, fmt.Errorf("nil job context")
	}
	req := Request{Shares: defaultShares, Threshold: defaultThreshold, SecretLen: defaultSecretLen}
	if err := jc.Decode(&req); err != nil {
		return nil, err
	}
	if req.Shares == 0 {
		req.Shares = defaultShares
	}
	if req.Threshold == 0 {
		req.Threshold = defaultThreshold
	}
	if req.SecretLen <= 0 {
		req.SecretLen = defaultSecretLen
	}
	if req.Threshold < 2 || req.Shares < req.Threshold || req.Shares > 255 {
		return nil, fmt.Errorf("invalid split %d-of-%d", req.Threshold, req.Shares)
	}

	secret := make([]byte, req.SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("draw secret: %w", err)
	}
	shares, err := shamir.Split(secret, req.Shares, req.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	jc.Log.Debug("Secret split", "shares", req.Shares, "threshold", req.Threshold)

	return json.Marshal(Response{NodeID: jc.ID.NodeID, Threshold: req.Threshold, Shares: shares})
}
