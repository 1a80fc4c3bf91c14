package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// Archiver writes one JSON document per finished pair order to
// <prefix>/YYYY/MM/DD/<id>.json, dated by the pair's creation time in UTC.
type Archiver struct {
	writer domain.BlobWriter
	prefix string
}

// NewArchiver creates an Archiver writing under prefix.
func NewArchiver(writer domain.BlobWriter, prefix string) *Archiver {
	return &Archiver{writer: writer, prefix: prefix}
}

type archivedLeg struct {
	Key            string `json:"key"`
	Instrument     string `json:"instrument"`
	Side           string `json:"side"`
	LimitPrice     string `json:"limit_price"`
	Quantity       int64  `json:"quantity"`
	FilledQuantity int64  `json:"filled_quantity"`
	Status         string `json:"status"`
	Origin         string `json:"origin"`
	Reason         string `json:"reason,omitempty"`
	SubmittedAt    string `json:"submitted_at"`
}

type archivedPair struct {
	ID               string        `json:"id"`
	Leg1             string        `json:"leg1"`
	Leg2             string        `json:"leg2"`
	TargetSpread     string        `json:"target_spread"`
	Direction        string        `json:"direction"`
	Quantity         int64         `json:"quantity"`
	Tolerance        string        `json:"tolerance"`
	State            string        `json:"state"`
	FinishReason     string        `json:"finish_reason"`
	NetExposure      int64         `json:"net_exposure"`
	PnL              string        `json:"pnl"`
	UnwindIterations int           `json:"unwind_iterations"`
	CreatedAt        string        `json:"created_at"`
	InitTime         string        `json:"init_time,omitempty"`
	ExpireTime       string        `json:"expire_time,omitempty"`
	FinishedAt       string        `json:"finished_at,omitempty"`
	Legs             []archivedLeg `json:"legs"`
}

// Path returns the object key a snapshot is archived under.
func (a *Archiver) Path(snap domain.PairOrderSnapshot) string {
	return path.Join(a.prefix, snap.CreatedAt.UTC().Format("2006/01/02"), snap.ID+".json")
}

// Archive uploads snap.
func (a *Archiver) Archive(ctx context.Context, snap domain.PairOrderSnapshot) error {
	data, err := json.MarshalIndent(toArchived(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal pair %s: %w", snap.ID, err)
	}
	key := a.Path(snap)
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive pair %s: %w", snap.ID, err)
	}
	return nil
}

func toArchived(snap domain.PairOrderSnapshot) archivedPair {
	r := snap.Request
	out := archivedPair{
		ID:               snap.ID,
		Leg1:             r.Leg1.ID,
		Leg2:             r.Leg2.ID,
		TargetSpread:     r.TargetSpread.String(),
		Direction:        string(r.Direction),
		Quantity:         r.Quantity,
		Tolerance:        r.Tolerance.String(),
		State:            string(snap.State),
		FinishReason:     string(snap.FinishReason),
		NetExposure:      snap.NetExposure,
		PnL:              snap.PnL.String(),
		UnwindIterations: snap.UnwindIterations,
		CreatedAt:        snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		InitTime:         formatOptional(snap.InitTime),
		ExpireTime:       formatOptional(snap.ExpireTime),
		FinishedAt:       formatOptional(snap.FinishedAt),
		Legs:             make([]archivedLeg, 0, len(snap.Legs)),
	}
	for _, l := range snap.Legs {
		out.Legs = append(out.Legs, archivedLeg{
			Key:            l.Key,
			Instrument:     l.Instrument.ID,
			Side:           string(l.Side),
			LimitPrice:     l.LimitPrice.String(),
			Quantity:       l.Quantity,
			FilledQuantity: l.FilledQuantity,
			Status:         string(l.Status),
			Origin:         string(l.Origin),
			Reason:         l.Reason,
			SubmittedAt:    l.SubmittedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
