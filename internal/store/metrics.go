package store

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBadCursor is returned for a page token that did not come from a
// previous SamplePage.
var ErrBadCursor = errors.New("malformed page cursor")

// sampleCursor pins a resume position in the (ts, id) keyset. Tokens
// are opaque to callers; the timestamp travels as unix nanos so no
// precision is lost across a round trip.
type sampleCursor struct {
	ts time.Time
	id uuid.UUID
}

func (c sampleCursor) token() string {
	raw := strconv.FormatInt(c.ts.UnixNano(), 10) + "." + c.id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func parseSampleCursor(token string) (*sampleCursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadCursor
	}
	nanos, idPart, ok := strings.Cut(string(raw), ".")
	if !ok {
		return nil, ErrBadCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrBadCursor
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, ErrBadCursor
	}
	return &sampleCursor{ts: time.Unix(0, n).UTC(), id: id}, nil
}

// InsertSamples persists a telemetry batch all-or-nothing. A batch is
// never partially applied so downstream aggregation always sees
// self-consistent data.
func (r *Repo) InsertSamples(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range samples {
			if samples[i].ID == uuid.Nil {
				samples[i].ID = uuid.New()
			}
			if samples[i].IngestedAt.IsZero() {
				samples[i].IngestedAt = time.Now().UTC()
			}
			if err := tx.Create(&samples[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

type SamplePage struct {
	Samples    []MetricSample `json:"samples"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ListSamples returns a keyset-paginated range of samples for one
// device, ordered by (ts, id). An empty kind matches every kind;
// pageToken resumes a previous page and must be empty or a token from
// an earlier SamplePage.
func (r *Repo) ListSamples(ctx context.Context, deviceID uuid.UUID, kind string, from, to time.Time, limit int, pageToken string, desc bool) (SamplePage, error) {
	cursor, err := parseSampleCursor(pageToken)
	if err != nil {
		return SamplePage{}, err
	}
	if limit <= 0 {
		limit = 1000
	}
	if limit > 10000 {
		limit = 10000
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID},
	}
	if kind != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "kind"}, Value: kind})
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "ts"}, Value: from})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "ts"}, Value: to})
	}
	if cursor != nil {
		tsCol := clause.Column{Name: "ts"}
		idCol := clause.Column{Name: "id"}
		if desc {
			exprs = append(exprs, clause.Or(
				clause.Lt{Column: tsCol, Value: cursor.ts},
				clause.And(
					clause.Eq{Column: tsCol, Value: cursor.ts},
					clause.Lt{Column: idCol, Value: cursor.id},
				),
			))
		} else {
			exprs = append(exprs, clause.Or(
				clause.Gt{Column: tsCol, Value: cursor.ts},
				clause.And(
					clause.Eq{Column: tsCol, Value: cursor.ts},
					clause.Gt{Column: idCol, Value: cursor.id},
				),
			))
		}
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "ts"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}

	var rows []MetricSample
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return SamplePage{}, err
	}

	out := SamplePage{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[limit-1]
		out.NextCursor = sampleCursor{ts: last.TS, id: last.ID}.token()
	}
	out.Samples = rows
	return out, nil
}

// PruneSamplesBefore deletes samples older than the retention cutoff.
func (r *Repo) PruneSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("ts < ?", cutoff).Delete(&MetricSample{})
	return res.RowsAffected, res.Error
}
