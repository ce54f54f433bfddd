// Package fallback walks per-agent provider chains in order, advancing on
// transient failures and escalating on quality rejection, and carries the
// stateless response quality validator.
package fallback

import (
	"fmt"
	"strings"

	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/llms"
)

// refusalMarkers are checked at the head of a response; a match means the
// model punted and a stronger tier should take over.
var refusalMarkers = []string{
	"i cannot",
	"i don't know",
	"unable to",
	"[error]",
}

// headWindow bounds how far into the response the refusal scan looks.
const headWindow = 64

// Validator applies tier-dependent quality floors to response text.
type Validator struct {
	workerMin int
	bossMin   int
}

// NewValidator builds a validator from the configured length floors.
func NewValidator(q config.QualityConfig) *Validator {
	return &Validator{
		workerMin: q.WorkerMinLength,
		bossMin:   q.BossMinLength,
	}
}

// Validate returns nil when content passes the tier's bar, or a
// QualityRejected provider error naming the failed check.
func (v *Validator) Validate(provider string, tier config.Tier, content string) error {
	min := v.workerMin
	if tier == config.TierBoss {
		min = v.bossMin
	}

	if len(content) < min {
		return v.reject(provider, fmt.Sprintf("response length %d below %s tier minimum %d", len(content), tier, min))
	}

	head := strings.ToLower(content)
	if len(head) > headWindow {
		head = head[:headWindow]
	}
	head = strings.TrimSpace(head)
	for _, marker := range refusalMarkers {
		if strings.HasPrefix(head, marker) {
			return v.reject(provider, fmt.Sprintf("refusal marker %q at response head", marker))
		}
	}

	for _, r := range content {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return v.reject(provider, fmt.Sprintf("control character %#x in response", r))
		}
	}
	return nil
}

func (v *Validator) reject(provider, reason string) error {
	return &llms.ProviderError{
		Provider: provider,
		Kind:     llms.FailureQualityRejected,
		Reason:   reason,
	}
}
