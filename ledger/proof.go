package ledger

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// =============================================================================
// PROOF SUBMISSION
// =============================================================================

type ProofMode string

const (
	ProofReplace ProofMode = "replace"
	ProofAppend  ProofMode = "append"
)

// ProofSubmission is what an owner attaches to move a transaction to
// proof_submitted: encoded images, an external reference, or both.
type ProofSubmission struct {
	Images      []string
	ExternalRef string
	Mode        ProofMode
}

// Apply merges the submission into the previously stored proof.
func (sub ProofSubmission) Apply(prev Proof) Proof {
	next := Proof{ExternalRef: prev.ExternalRef}
	if sub.Mode == ProofAppend {
		next.Images = append(append([]string(nil), prev.Images...), sub.Images...)
	} else {
		next.Images = append([]string(nil), sub.Images...)
		next.ExternalRef = ""
	}
	if ref := strings.TrimSpace(sub.ExternalRef); ref != "" {
		next.ExternalRef = ref
	}
	return next
}

type ProofPolicy struct {
	MaxBytes  int // per decoded image
	MaxImages int // per transaction, after merging
	MaxRefLen int
}

func DefaultProofPolicy() ProofPolicy {
	return ProofPolicy{MaxBytes: 5 << 20, MaxImages: 10, MaxRefLen: 512}
}

// Validate rejects malformed or oversized submissions before any state change.
func (pol ProofPolicy) Validate(sub ProofSubmission) error {
	if sub.Mode != "" && sub.Mode != ProofReplace && sub.Mode != ProofAppend {
		return invalid("proof.mode", "must be replace or append")
	}
	ref := strings.TrimSpace(sub.ExternalRef)
	if len(sub.Images) == 0 && ref == "" {
		return invalid("proof", "needs at least one image or an external reference")
	}
	if pol.MaxRefLen > 0 && len(ref) > pol.MaxRefLen {
		return invalid("proof.external_ref", "is too long")
	}
	if pol.MaxImages > 0 && len(sub.Images) > pol.MaxImages {
		return invalid("proof.images", "too many images")
	}
	for _, img := range sub.Images {
		if err := pol.checkImage(img); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStored checks limits that only apply once appended to prior proof.
func (pol ProofPolicy) ValidateStored(p Proof) error {
	if pol.MaxImages > 0 && len(p.Images) > pol.MaxImages {
		return invalid("proof.images", "too many images")
	}
	return nil
}

func (pol ProofPolicy) checkImage(encoded string) error {
	data := encoded
	if strings.HasPrefix(data, "data:") {
		comma := strings.IndexByte(data, ',')
		if comma < 0 || !strings.HasSuffix(data[:comma], ";base64") || !strings.HasPrefix(data, "data:image/") {
			return invalid("proof.images", "must be a base64 image data URL")
		}
		data = data[comma+1:]
	}
	if pol.MaxBytes > 0 && base64.StdEncoding.DecodedLen(len(data)) > pol.MaxBytes+2 {
		return invalid("proof.images", "image exceeds size limit")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return invalid("proof.images", "is not valid base64")
	}
	if len(raw) == 0 {
		return invalid("proof.images", "image is empty")
	}
	if pol.MaxBytes > 0 && len(raw) > pol.MaxBytes {
		return invalid("proof.images", "image exceeds size limit")
	}
	if !strings.HasPrefix(http.DetectContentType(raw), "image/") {
		return invalid("proof.images", "is not an image")
	}
	return nil
}
