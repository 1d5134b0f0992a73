package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
	creditdomain "github.com/smallbiznis/checkledger/internal/credit/domain"
)

type fingerprintBody struct {
	RunType batchdomain.RunType   `json:"run_type"`
	Items   []domain.ItemInput    `json:"items"`
	Checks  domain.Checks         `json:"checks"`
	Params  batchdomain.RunParams `json:"params"`
}

// fingerprint hashes a normalized submission. Every submission under one idempotency key must
// produce the same value.
func fingerprint(req domain.SubmitRequest) (string, error) {
	params := req.Params
	params.DebitKey = ""
	params.RequestHash = ""

	body, err := json.Marshal(fingerprintBody{
		RunType: req.RunType,
		Items:   req.Items,
		Checks:  req.Checks,
		Params:  params,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// replayRun answers a retried submission with its stored run, or rejects a key reused for a
// different request.
func replayRun(run *batchdomain.BatchRun, req domain.SubmitRequest, estimate *domain.Estimate, hash string) (*domain.SubmitResponse, error) {
	if !sameRequest(run, req, estimate, hash) {
		return nil, creditdomain.ErrIdempotencyKeyMismatch
	}
	return submitResponse(run, req.IdempotencyKey, true), nil
}

// sameRequest compares fingerprints. Runs stored without one fall back to their shape.
func sameRequest(run *batchdomain.BatchRun, req domain.SubmitRequest, estimate *domain.Estimate, hash string) bool {
	if stored := run.Params.Data().RequestHash; stored != "" {
		return stored == hash
	}
	if run.RunType != req.RunType || run.TotalItems != len(req.Items) || run.EstimatedCredits != estimate.Total {
		return false
	}
	enabled := map[batchdomain.CheckType]bool{}
	for _, ct := range req.Checks.Enabled() {
		enabled[ct] = true
	}
	for _, ct := range batchdomain.CheckTypes {
		if run.SubTaskStatus(ct).IsEnabled() != enabled[ct] {
			return false
		}
	}
	return true
}
