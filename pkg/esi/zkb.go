package esi

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wandererkills/pkg/config"
	"wandererkills/pkg/errs"
	"wandererkills/pkg/fetch"
)

// ZKBClient queries zKillboard's REST listing API, used as the historical
// fallback when the in-process cache has no recent data for a system.
type ZKBClient struct {
	fetcher *fetch.Client
	baseURL string
	tracer  trace.Tracer
}

// NewZKBClient creates a zKillboard client. The base URL is taken from
// ZKB_BASE_URL.
func NewZKBClient(fetcher *fetch.Client) *ZKBClient {
	return &ZKBClient{
		fetcher: fetcher,
		baseURL: config.GetEnv("ZKB_BASE_URL", "https://zkillboard.com/api"),
		tracer:  otel.Tracer("zkb"),
	}
}

// KillmailsBySystem lists recent killmail references for a solar system,
// newest first. pastSeconds bounds the lookback window; zKillboard caps it at
// 7 days server-side.
func (z *ZKBClient) KillmailsBySystem(ctx context.Context, systemID int64, pastSeconds int) ([]ZKBRef, error) {
	ctx, span := z.tracer.Start(ctx, "zkb.KillmailsBySystem",
		trace.WithAttributes(
			attribute.Int64("system_id", systemID),
			attribute.Int("past_seconds", pastSeconds)))
	defer span.End()

	url := fmt.Sprintf("%s/solarSystemID/%d/pastSeconds/%d/", z.baseURL, systemID, pastSeconds)
	var refs []ZKBRef
	if err := z.fetcher.GetJSON(ctx, url, nil, &refs); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return refs, nil
}

// KillmailByID looks up a single killmail reference, primarily to recover the
// hash for an ESI fetch.
func (z *ZKBClient) KillmailByID(ctx context.Context, killmailID int64) (*ZKBRef, error) {
	ctx, span := z.tracer.Start(ctx, "zkb.KillmailByID",
		trace.WithAttributes(attribute.Int64("killmail_id", killmailID)))
	defer span.End()

	url := fmt.Sprintf("%s/killID/%d/", z.baseURL, killmailID)
	var refs []ZKBRef
	if err := z.fetcher.GetJSON(ctx, url, nil, &refs); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(refs) == 0 {
		return nil, errs.Newf(errs.NotFound, "killmail %d not known to zkillboard", killmailID)
	}
	return &refs[0], nil
}
