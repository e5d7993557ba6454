package ledger

import (
	"context"
	"strings"
)

// Static serves a fixed asset list, used when no registry contract is configured.
type Static struct {
	assets []string
}

// NewStatic builds a Static ledger. Blank and duplicate ids are dropped.
func NewStatic(assets []string) *Static {
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return &Static{assets: out}
}

// TrackedAssets returns a copy of the configured list.
func (s *Static) TrackedAssets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.assets...), nil
}

// VerifySignature checks a personal signature locally.
func (s *Static) VerifySignature(payload []byte, signature, author string) (bool, error) {
	return VerifySignature(payload, signature, author)
}

var _ Client = (*Static)(nil)
