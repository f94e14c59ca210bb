// Package validator turns a completed proof into task evidence for the Proof Capture Engine.
// It compares the items observed during a session against the targets a task requires and
// seals the result with a digest so the backend can re-validate it.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"proof-capture-engine/pkg/models"
)

var (
	// ErrDigestMismatch is returned by Verify when the stored digest does not match the evidence content.
	ErrDigestMismatch = errors.New("evidence digest mismatch")
	// ErrEvidenceMismatch is returned by Verify when the stored result differs from a rebuild of the proof.
	ErrEvidenceMismatch = errors.New("evidence does not match proof")
)

// Validator builds and verifies task evidence.
// It holds no state; one instance can be shared by every session.
type Validator struct{}

// NewValidator creates a new validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// BuildEvidence compares the items in a proof against the required targets.
// Targets are trimmed and de-duplicated in order. The evidence is valid only when at least
// one target is required and every one of them was observed.
// The result is deterministic: building again from the returned Proof and RequiredTargets
// yields an identical value.
func (v *Validator) BuildEvidence(proof models.CompletedProof, requiredTargets []string) models.TaskEvidence {
	required := normalizeTargets(requiredTargets)
	observed, itemsSeen := observedKeys(proof)

	found := []string{}
	missing := []string{}
	for _, target := range required {
		if observed.has(target) {
			found = append(found, target)
		} else {
			missing = append(missing, target)
		}
	}

	evidence := models.TaskEvidence{
		Proof:           proof,
		RequiredTargets: required,
		FoundTargets:    found,
		MissingTargets:  missing,
		IsValid:         len(required) > 0 && len(found) == len(required),
		Summary: models.EvidenceSummary{
			Required:  len(required),
			Found:     len(found),
			Missing:   len(missing),
			ItemsSeen: itemsSeen,
		},
	}
	evidence.Digest = Digest(evidence)
	return evidence
}

// Verify rebuilds the evidence from its embedded proof and checks that the recorded result and
// digest agree with it.
func (v *Validator) Verify(evidence models.TaskEvidence) error {
	if Digest(evidence) != evidence.Digest {
		return ErrDigestMismatch
	}

	rebuilt := v.BuildEvidence(evidence.Proof, evidence.RequiredTargets)
	if rebuilt.Digest != evidence.Digest {
		return fmt.Errorf("%w: expected valid=%t found=%d missing=%d, got valid=%t found=%d missing=%d",
			ErrEvidenceMismatch,
			rebuilt.IsValid, rebuilt.Summary.Found, rebuilt.Summary.Missing,
			evidence.IsValid, len(evidence.FoundTargets), len(evidence.MissingTargets))
	}
	return nil
}

// Digest returns the hex SHA-256 of the canonical JSON encoding of the evidence, excluding the
// Digest field itself.
func Digest(evidence models.TaskEvidence) string {
	evidence.Digest = ""
	payload, err := json.Marshal(evidence)
	if err != nil {
		// Every field of TaskEvidence is JSON-encodable.
		panic(fmt.Sprintf("marshal evidence: %v", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func normalizeTargets(targets []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// keySet holds item identifiers. Handles are stored lowercased without a leading @.
type keySet struct {
	ids     map[string]bool
	handles map[string]bool
}

func (k keySet) has(target string) bool {
	if k.ids[target] {
		return true
	}
	return k.handles[strings.ToLower(strings.TrimPrefix(target, "@"))]
}

// observedKeys collects the identifiers that can satisfy a target and counts distinct items.
// For replies the identifier is the parent tweet, and only replies written by the proof's actor count.
func observedKeys(proof models.CompletedProof) (keySet, int) {
	keys := keySet{ids: make(map[string]bool), handles: make(map[string]bool)}
	distinct := make(map[string]bool)
	actor := strings.ToLower(proof.Context.Handle)

	for _, page := range proof.Action {
		for _, item := range page.Items {
			if item.ID != "" {
				distinct[string(page.Kind)+":"+item.ID] = true
			}

			if proof.Type == models.ProofTypeXComment {
				if item.InReplyToID == "" {
					continue
				}
				if item.AuthorHandle != "" && actor != "" && strings.ToLower(item.AuthorHandle) != actor {
					continue
				}
				keys.ids[item.InReplyToID] = true
				continue
			}

			if item.ID != "" {
				keys.ids[item.ID] = true
			}
			if page.Kind == models.ActionKindUsers && item.Handle != "" {
				keys.handles[strings.ToLower(item.Handle)] = true
			}
		}
	}
	return keys, len(distinct)
}
