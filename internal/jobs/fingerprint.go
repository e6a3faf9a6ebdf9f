package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns the content hash of a submission: sha256 over the job
// type and the canonical JSON of its parameters. encoding/json sorts map keys,
// so equal parameter maps hash equally regardless of insertion order.
func Fingerprint(jobType string, params map[string]any) (string, error) {
	payload, err := json.Marshal(struct {
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	}{jobType, params})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
