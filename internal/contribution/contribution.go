package contribution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownType indicates an engagement type outside the supported set.
	ErrUnknownType = errors.New("contribution: unknown engagement type")
	// ErrInvalidPayload indicates a contribution missing required fields.
	ErrInvalidPayload = errors.New("contribution: invalid payload")
)

// MaxRating is the upper bound of a rating score.
const MaxRating = 10

// EngagementType categorises a contribution.
type EngagementType string

const (
	TypeRating            EngagementType = "rating"
	TypeMeme              EngagementType = "meme"
	TypePost              EngagementType = "post"
	TypeEpisodePrediction EngagementType = "episode_prediction"
	TypePricePrediction   EngagementType = "price_prediction"
	TypeStake             EngagementType = "stake"
)

// Types lists every supported engagement type.
var Types = []EngagementType{
	TypeRating,
	TypeMeme,
	TypePost,
	TypeEpisodePrediction,
	TypePricePrediction,
	TypeStake,
}

// ParseType validates and normalises an engagement type.
func ParseType(s string) (EngagementType, error) {
	t := EngagementType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Payload is the type-specific body of a contribution.
type Payload interface {
	Type() EngagementType
}

// RatingPayload scores an asset between 0 and MaxRating.
type RatingPayload struct {
	Score *float64 `json:"rating,omitempty"`
	Text  string   `json:"review,omitempty"`
}

// MemePayload references an uploaded image.
type MemePayload struct {
	ImageRef        string `json:"image_ref"`
	Caption         string `json:"caption,omitempty"`
	EngagementCount int64  `json:"engagement_count"`
}

// PostPayload is a free-form discussion post.
type PostPayload struct {
	Body            string `json:"body"`
	EngagementCount int64  `json:"engagement_count"`
}

// EpisodePredictionPayload predicts the outcome of an upcoming episode.
type EpisodePredictionPayload struct {
	Episode int    `json:"episode"`
	Outcome string `json:"outcome"`
}

// PricePredictionPayload predicts a future price.
type PricePredictionPayload struct {
	TargetPrice int64  `json:"target_price"`
	Horizon     string `json:"horizon,omitempty"`
}

// StakePayload locks an amount behind the asset.
type StakePayload struct {
	Amount int64 `json:"amount"`
}

func (RatingPayload) Type() EngagementType            { return TypeRating }
func (MemePayload) Type() EngagementType              { return TypeMeme }
func (PostPayload) Type() EngagementType              { return TypePost }
func (EpisodePredictionPayload) Type() EngagementType { return TypeEpisodePrediction }
func (PricePredictionPayload) Type() EngagementType   { return TypePricePrediction }
func (StakePayload) Type() EngagementType             { return TypeStake }

// Contribution is a decoded, immutable engagement record.
type Contribution struct {
	ContentRef string
	AssetID    string
	Author     string
	Type       EngagementType
	Payload    Payload
	Signature  string
	Timestamp  time.Time
	// Raw holds the stored bytes the signature is checked against.
	Raw json.RawMessage
}

// Verified is a contribution whose signature has been checked against its author.
type Verified struct {
	Contribution
}

// Metadata is the subset of a contribution the store filters on.
type Metadata struct {
	AssetID   string         `json:"asset_id"`
	Author    string         `json:"author"`
	Type      EngagementType `json:"engagement_type"`
	Timestamp time.Time      `json:"timestamp"`
}

// Metadata extracts the filterable fields.
func (c Contribution) Metadata() Metadata {
	return Metadata{
		AssetID:   c.AssetID,
		Author:    c.Author,
		Type:      c.Type,
		Timestamp: c.Timestamp,
	}
}

// Rating returns the rating score when the contribution carries one.
func (c Contribution) Rating() (float64, bool) {
	p, ok := c.Payload.(RatingPayload)
	if !ok || p.Score == nil {
		return 0, false
	}
	return *p.Score, true
}

// EngagementCount returns the reported reach of memes and posts.
func (c Contribution) EngagementCount() int64 {
	switch p := c.Payload.(type) {
	case MemePayload:
		return p.EngagementCount
	case PostPayload:
		return p.EngagementCount
	default:
		return 0
	}
}

type wireContribution struct {
	AssetID   string          `json:"asset_id"`
	Author    string          `json:"author"`
	Type      string          `json:"engagement_type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

// Decode parses a stored contribution and validates its variant fields.
func Decode(ref string, raw []byte) (Contribution, error) {
	var wire wireContribution
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Contribution{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if strings.TrimSpace(wire.AssetID) == "" {
		return Contribution{}, fmt.Errorf("%w: asset_id missing", ErrInvalidPayload)
	}
	if wire.Timestamp <= 0 {
		return Contribution{}, fmt.Errorf("%w: timestamp missing", ErrInvalidPayload)
	}

	typ, err := ParseType(wire.Type)
	if err != nil {
		return Contribution{}, err
	}

	payload, err := decodePayload(typ, wire.Payload)
	if err != nil {
		return Contribution{}, err
	}

	buf := make([]byte, len(raw))
	copy(buf, raw)

	return Contribution{
		ContentRef: ref,
		AssetID:    strings.TrimSpace(wire.AssetID),
		Author:     strings.TrimSpace(wire.Author),
		Type:       typ,
		Payload:    payload,
		Signature:  strings.TrimSpace(wire.Signature),
		Timestamp:  time.UnixMilli(wire.Timestamp).UTC(),
		Raw:        buf,
	}, nil
}

func decodePayload(typ EngagementType, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}

	switch typ {
	case TypeRating:
		var p RatingPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Score != nil && (*p.Score < 0 || *p.Score > MaxRating) {
			return nil, fmt.Errorf("%w: rating %v out of range", ErrInvalidPayload, *p.Score)
		}
		return p, nil
	case TypeMeme:
		var p MemePayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ImageRef) == "" {
			return nil, fmt.Errorf("%w: meme image_ref missing", ErrInvalidPayload)
		}
		if p.EngagementCount < 0 {
			return nil, fmt.Errorf("%w: negative engagement_count", ErrInvalidPayload)
		}
		return p, nil
	case TypePost:
		var p PostPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Body) == "" {
			return nil, fmt.Errorf("%w: post body missing", ErrInvalidPayload)
		}
		if p.EngagementCount < 0 {
			return nil, fmt.Errorf("%w: negative engagement_count", ErrInvalidPayload)
		}
		return p, nil
	case TypeEpisodePrediction:
		var p EpisodePredictionPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Episode <= 0 || strings.TrimSpace(p.Outcome) == "" {
			return nil, fmt.Errorf("%w: episode prediction requires episode and outcome", ErrInvalidPayload)
		}
		return p, nil
	case TypePricePrediction:
		var p PricePredictionPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.TargetPrice <= 0 {
			return nil, fmt.Errorf("%w: target_price must be positive", ErrInvalidPayload)
		}
		return p, nil
	case TypeStake:
		var p StakePayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Amount <= 0 {
			return nil, fmt.Errorf("%w: stake amount must be positive", ErrInvalidPayload)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
