package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/rpcpool/migration-sim/gateway"
	"github.com/rpcpool/migration-sim/harness"
	"github.com/rpcpool/migration-sim/programs/activator"
	"github.com/stretchr/testify/require"
)

func TestFeatureState(t *testing.T) {
	activated := []byte{1, 0x39, 0x30, 0, 0, 0, 0, 0, 0}

	state, err := featureState(&gateway.Account{Owner: activator.ProgramID, Data: make([]byte, 9)})
	require.NoError(t, err)
	require.Equal(t, "is staged", state)

	state, err = featureState(&gateway.Account{Owner: activator.FeatureGateProgramID, Data: make([]byte, 9)})
	require.NoError(t, err)
	require.Equal(t, "is pending activation", state)

	state, err = featureState(&gateway.Account{Owner: activator.FeatureGateProgramID, Data: activated})
	require.NoError(t, err)
	require.Equal(t, "was activated at slot 12345", state)

	_, err = featureState(&gateway.Account{Owner: activator.FeatureGateProgramID, Data: activated[:3]})
	require.Error(t, err)

	_, err = featureState(&gateway.Account{Owner: solana.SystemProgramID, Data: activated})
	require.ErrorContains(t, err, "unexpected owner "+solana.SystemProgramID.String())
}

// attachedNode serves the calls inspectAttached makes and records the accounts it reads.
type attachedNode struct {
	mu       sync.Mutex
	healthy  bool
	accounts map[string]map[string]any
	read     []string
}

func (n *attachedNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	n.mu.Lock()
	switch req.Method {
	case "getHealth":
		if n.healthy {
			resp["result"] = "ok"
		} else {
			resp["error"] = map[string]any{"code": -32005, "message": "Node is behind"}
		}
	case "getEpochSchedule":
		resp["result"] = map[string]any{
			"firstNormalEpoch":         0,
			"firstNormalSlot":          0,
			"leaderScheduleSlotOffset": 32,
			"slotsPerEpoch":            32,
			"warmup":                   false,
		}
	case "getAccountInfo":
		var address string
		json.Unmarshal(req.Params[0], &address)
		n.read = append(n.read, address)
		var value any
		if acc, ok := n.accounts[address]; ok {
			value = acc
		}
		resp["result"] = map[string]any{"context": map[string]any{"slot": 1}, "value": value}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
	}
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func accountResult(owner solana.PublicKey, data []byte) map[string]any {
	return map[string]any{
		"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"lamports":   1000000,
		"owner":      owner.String(),
		"rentEpoch":  0,
	}
}

func TestInspectAttachedReadsTargetAccounts(t *testing.T) {
	target := harness.MigrationTarget{
		FeatureID:     solana.NewWallet().PublicKey(),
		BufferAddress: solana.NewWallet().PublicKey(),
		ElfName:       DefaultElfName,
	}
	node := &attachedNode{
		healthy: true,
		accounts: map[string]map[string]any{
			target.FeatureID.String(): accountResult(activator.FeatureGateProgramID, make([]byte, 9)),
			target.BufferAddress.String(): accountResult(solana.BPFLoaderUpgradeableProgramID,
				append([]byte{1, 0, 0, 0, 0}, bytes.Repeat([]byte{0}, 32+64)...)),
		},
	}
	server := httptest.NewServer(node)
	defer server.Close()

	slotsPerEpoch, err := inspectAttached(context.Background(), gateway.NewFromEndpoint(server.URL), server.URL, target)
	require.NoError(t, err)
	require.EqualValues(t, 32, slotsPerEpoch)
	require.Equal(t, []string{target.FeatureID.String(), target.BufferAddress.String()}, node.read)
}

func TestInspectAttachedMissingAccounts(t *testing.T) {
	node := &attachedNode{healthy: true}
	server := httptest.NewServer(node)
	defer server.Close()

	target := harness.MigrationTarget{FeatureID: solana.NewWallet().PublicKey(), BufferAddress: solana.NewWallet().PublicKey()}
	slotsPerEpoch, err := inspectAttached(context.Background(), gateway.NewFromEndpoint(server.URL), server.URL, target)
	require.NoError(t, err)
	require.EqualValues(t, 32, slotsPerEpoch)
	require.Len(t, node.read, 2)
}

func TestInspectAttachedUnhealthy(t *testing.T) {
	server := httptest.NewServer(&attachedNode{})
	defer server.Close()

	_, err := inspectAttached(context.Background(), gateway.NewFromEndpoint(server.URL), server.URL, harness.MigrationTarget{})
	require.ErrorContains(t, err, "validator at "+server.URL+" is not healthy")
}
