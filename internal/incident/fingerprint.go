package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// volatileLabels are excluded from fingerprinting so that horizontally
// replicated sources of the same logical condition collapse to one incident.
var volatileLabels = map[string]bool{
	"pod":          true,
	"instance":     true,
	"container":    true,
	"node":         true,
	"replica":      true,
	"pod_template": true,
}

// Fingerprint computes a deterministic source-agnostic identity hash from
// the alert name and the stable subset of labels.
func Fingerprint(alertName string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		if k == "alertname" || volatileLabels[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(alertName))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(labels[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IDFromFingerprint derives the stable incident ID for a fingerprint.
// Redelivery of the same underlying condition maps to the same incident,
// so IDs are a deterministic function of identity, not fresh per delivery.
func IDFromFingerprint(fp string) string {
	if len(fp) > 16 {
		fp = fp[:16]
	}
	return "inc-" + fp
}
