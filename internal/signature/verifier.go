package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"engagement-pricer/internal/contribution"
)

// strippedFields are removed before a contribution is canonicalised.
var strippedFields = []string{"signature", "content_ref", "blob_id"}

// Checker is the ledger's signature verification primitive.
type Checker interface {
	VerifySignature(payload []byte, signature, author string) (bool, error)
}

// CanonicalPayload returns the deterministic encoding a contribution is signed
// over: object keys sorted, signature and storage-assigned fields removed,
// numbers kept verbatim.
func CanonicalPayload(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if doc == nil {
		return nil, errors.New("payload is not an object")
	}
	for _, field := range strippedFields {
		delete(doc, field)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Options tune a Verifier.
type Options struct {
	// Concurrency bounds parallel checks in VerifyAll. Zero means GOMAXPROCS.
	Concurrency int
}

// Verifier gates contributions on their author's signature.
type Verifier struct {
	checker     Checker
	concurrency int
	logger      zerolog.Logger
}

// New constructs a Verifier backed by checker.
func New(checker Checker, opts Options, logger zerolog.Logger) *Verifier {
	n := opts.Concurrency
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Verifier{
		checker:     checker,
		concurrency: n,
		logger:      logger.With().Str("component", "signature").Logger(),
	}
}

// Verify reports whether c was signed by its author. It never fails; the
// reason for a rejection is logged.
func (v *Verifier) Verify(c contribution.Contribution) bool {
	log := v.logger.With().Str("asset_id", c.AssetID).Str("ref", c.ContentRef).Logger()

	switch {
	case c.Signature == "":
		log.Debug().Msg("rejected: missing signature")
		return false
	case c.Author == "":
		log.Debug().Msg("rejected: missing author")
		return false
	case len(c.Raw) == 0:
		log.Debug().Msg("rejected: no stored payload")
		return false
	}

	payload, err := CanonicalPayload(c.Raw)
	if err != nil {
		log.Warn().Err(err).Msg("rejected: payload not canonicalisable")
		return false
	}

	ok, err := v.checker.VerifySignature(payload, c.Signature, c.Author)
	if err != nil {
		log.Warn().Err(err).Str("author", c.Author).Msg("rejected: malformed signature")
		return false
	}
	if !ok {
		log.Warn().Str("author", c.Author).Msg("rejected: signature does not match author")
		return false
	}
	return true
}

// VerifyAll checks contributions concurrently and returns the verified subset
// in input order with the number rejected. Entries left unchecked because ctx
// ended count as rejected.
func (v *Verifier) VerifyAll(ctx context.Context, cs []contribution.Contribution) ([]contribution.Verified, int) {
	if len(cs) == 0 {
		return nil, 0
	}

	passed := make([]bool, len(cs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for i := range cs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			passed[i] = v.Verify(cs[i])
			return nil
		})
	}
	_ = g.Wait()

	verified := make([]contribution.Verified, 0, len(cs))
	for i, ok := range passed {
		if ok {
			verified = append(verified, contribution.Verified{Contribution: cs[i]})
		}
	}
	return verified, len(cs) - len(verified)
}
