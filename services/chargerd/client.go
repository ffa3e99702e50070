package chargerd

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"veilpay/native/delegation"
)

// rpcErrRevert is the well-known code the settlement node uses for a
// deterministic transfer-primitive revert.
const rpcErrRevert = -33000

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// LedgerClient is the JSON-RPC TransferClient talking to the settlement node.
// Reverts surface as *RevertError so the executor can classify them as
// permanent.
type LedgerClient struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// dialTransferClient constructs the production transfer client.
func dialTransferClient(endpoint string) (*LedgerClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("chargerd: transfer endpoint required")
	}
	return &LedgerClient{
		url:        endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type payParams struct {
	Permit          json.RawMessage `json:"permit"`
	Amount          string          `json:"amount"`
	Payee           string          `json:"payee,omitempty"`
	PayeeCommitment string          `json:"payeeCommitment,omitempty"`
	Proof           *ProofBundle    `json:"proof,omitempty"`
	DelegationLeaf  string          `json:"delegationLeaf,omitempty"`
	Counter         uint64          `json:"counter,omitempty"`
	Nonce           uint64          `json:"nonce"`
	Fee             string          `json:"fee,omitempty"`
}

func (c *LedgerClient) payParams(call *Call) (payParams, error) {
	rawPermit, err := json.Marshal(call.Permit)
	if err != nil {
		return payParams{}, fmt.Errorf("encode permit: %w", err)
	}
	params := payParams{
		Permit: rawPermit,
		Amount: call.Amount.String(),
		Payee:  strings.TrimSpace(call.Payee),
		Proof:  call.Proof,
		Nonce:  call.Nonce,
	}
	if call.PayeeCommitment != ([32]byte{}) {
		params.PayeeCommitment = "0x" + hex.EncodeToString(call.PayeeCommitment[:])
	}
	if call.Route == RouteDelegated {
		params.DelegationLeaf = "0x" + hex.EncodeToString(call.DelegationLeaf[:])
		params.Counter = call.Counter
	}
	if call.Fee != nil {
		params.Fee = call.Fee.String()
	}
	return params, nil
}

func (c *LedgerClient) pay(ctx context.Context, method string, call *Call) (string, error) {
	params, err := c.payParams(call)
	if err != nil {
		return "", err
	}
	var result struct {
		Ref string `json:"ref"`
	}
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Ref), nil
}

// PayPublic submits a transparent settlement.
func (c *LedgerClient) PayPublic(ctx context.Context, call *Call) (string, error) {
	return c.pay(ctx, "veilpay_payPublic", call)
}

// PayShielded submits a shielded settlement toward the committed recipient.
func (c *LedgerClient) PayShielded(ctx context.Context, call *Call) (string, error) {
	return c.pay(ctx, "veilpay_payShielded", call)
}

// PayDelegated submits a delegation-anchored settlement.
func (c *LedgerClient) PayDelegated(ctx context.Context, call *Call) (string, error) {
	return c.pay(ctx, "veilpay_payDelegated", call)
}

// WaitForReceipt polls until the settlement reference is confirmed or the
// context expires.
func (c *LedgerClient) WaitForReceipt(ctx context.Context, ref string, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var result struct {
			Status string `json:"status"`
		}
		if err := c.call(ctx, "veilpay_getReceipt", []interface{}{ref}, &result); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(result.Status)) {
		case "confirmed":
			return nil
		case "reverted":
			return &RevertError{Reason: "settlement reverted"}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *LedgerClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("chargerd: transfer client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcErrRevert {
			return &RevertError{Reason: rpcResp.Error.Message}
		}
		return fmt.Errorf("rpc error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ TransferClient = (*LedgerClient)(nil)

// policyAgentSource fetches delegation proof material from the payer's policy
// agent. Failures are transient: the agent may simply be unreachable.
type policyAgentSource struct {
	url        string
	httpClient *http.Client
}

func newPolicyAgentSource(url string) ProofSource {
	return &policyAgentSource{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type policyProofResponse struct {
	Root        string   `json:"root"`
	Siblings    []string `json:"siblings"`
	Index       uint64   `json:"index"`
	Attestation struct {
		Leaf             string `json:"leaf"`
		ActionDescriptor string `json:"actionDescriptor"`
		Signature        string `json:"signature"`
	} `json:"attestation"`
}

// Fetch implements the ProofSource interface.
func (p *policyAgentSource) Fetch(ctx context.Context, leaf [32]byte, counter uint64, action string) ([32]byte, delegation.Proof, delegation.Attestation, error) {
	var zero [32]byte
	if p.url == "" {
		return zero, delegation.Proof{}, delegation.Attestation{}, fmt.Errorf("policy agent not configured")
	}
	body, err := json.Marshal(map[string]interface{}{
		"leaf":    "0x" + hex.EncodeToString(leaf[:]),
		"counter": counter,
		"action":  action,
	})
	if err != nil {
		return zero, delegation.Proof{}, delegation.Attestation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return zero, delegation.Proof{}, delegation.Attestation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return zero, delegation.Proof{}, delegation.Attestation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return zero, delegation.Proof{}, delegation.Attestation{}, fmt.Errorf("policy agent status %d", resp.StatusCode)
	}
	var decoded policyProofResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return zero, delegation.Proof{}, delegation.Attestation{}, fmt.Errorf("decode policy proof: %w", err)
	}

	root, err := parseHash32(decoded.Root)
	if err != nil {
		return zero, delegation.Proof{}, delegation.Attestation{}, fmt.Errorf("root: %w", err)
	}
	proof := delegation.Proof{Index: decoded.Index}
	for i, sibling := range decoded.Siblings {
		node, err := parseHash32(sibling)
		if err != nil {
			return zero, delegation.Proof{}, delegation.Attestation{}, fmt.Errorf("sibling %d: %w", i, err)
		}
		proof.Siblings = append(proof.Siblings, node)
	}
	attLeaf, err := parseHash32(decoded.Attestation.Leaf)
	if err != nil {
		return zero, delegation.Proof{}, delegation.Attestation{}, fmt.Errorf("attestation leaf: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(decoded.Attestation.Signature), "0x"))
	if err != nil {
		return zero, delegation.Proof{}, delegation.Attestation{}, fmt.Errorf("attestation signature: %w", err)
	}
	att := delegation.Attestation{
		Leaf:             attLeaf,
		ActionDescriptor: decoded.Attestation.ActionDescriptor,
		Signature:        sig,
	}
	return root, proof, att, nil
}

func parseHash32(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
