package gen_keys

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/yungbote/cmdledger/internal/data/repos"
	"github.com/yungbote/cmdledger/internal/domain/keys"
	jobrt "github.com/yungbote/cmdledger/internal/jobs/runtime"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

const (
	Context     = "GEN_KEYS"
	defaultKind = "box"
)

type Request struct {
	Kind string `json:"kind,omitempty"`
}

// Response is what the node publishes. The private half stays in the
// node's own key store.
type Response struct {
	NodeID    string `json:"node_id"`
	ContextID string `json:"context_id"`
	Kind      string `json:"kind"`
	PublicKey []byte `json:"public_key"`
}

type Pipeline struct {
	log  *logger.Logger
	keys repos.KeyMaterialRepo
}

func New(baseLog *logger.Logger, keyRepo repos.KeyMaterialRepo) *Pipeline {
	return &Pipeline{log: baseLog.With("pipeline", Context), keys: keyRepo}
}

func (p *Pipeline) Type() string { return Context }

func (p *Pipeline) Run(jc *jobrt.Context) ([]byte, error) {
	if jc == nil {
		return nil, fmt.Errorf("nil job context")
	}
	var req Request
	if err := jc.Decode(&req); err != nil {
		return nil, err
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = defaultKind
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	km := &keys.KeyMaterial{
		ContextID:  jc.ID.ContextID,
		NodeID:     jc.ID.NodeID,
		Kind:       kind,
		PublicKey:  pub[:],
		PrivateKey: priv[:],
		CreatedAt:  time.Now().UTC(),
	}
	dbc := dbctx.Background(jc.Ctx)
	saved, err := p.keys.Save(dbc, km)
	if err != nil {
		return nil, err
	}
	if !saved {
		// The slot was filled by an earlier run whose response never got
		// recorded; publish that key rather than a second one.
		existing, err := p.keys.Get(dbc, km.ContextID, km.NodeID, kind)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("key material for %s/%s vanished", km.ContextID, km.NodeID)
		}
		jc.Log.Warn("Reusing stored key material", "kind", kind)
		km = existing
	}

	return json.Marshal(Response{
		NodeID:    jc.ID.NodeID,
		ContextID: jc.ID.ContextID,
		Kind:      kind,
		PublicKey: km.PublicKey,
	})
}
