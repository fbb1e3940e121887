// Package esi talks to CCP's EVE Swagger Interface and zKillboard's REST API,
// and caches every resolved entity in the shared store so repeat lookups never
// hit the upstream within the retention window.
package esi

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wandererkills/pkg/config"
	"wandererkills/pkg/fetch"
)

// Client issues raw ESI requests. It carries no cache; use Resolver for
// read-through lookups.
type Client struct {
	fetcher *fetch.Client
	baseURL string
	tracer  trace.Tracer
}

// NewClient creates an ESI client over the shared fetcher. The base URL is
// taken from ESI_BASE_URL.
func NewClient(fetcher *fetch.Client) *Client {
	return &Client{
		fetcher: fetcher,
		baseURL: config.GetEnv("ESI_BASE_URL", "https://esi.evetech.net/latest"),
		tracer:  otel.Tracer("esi"),
	}
}

// GetCharacter fetches a character sheet.
func (c *Client) GetCharacter(ctx context.Context, characterID int64) (*Character, error) {
	ctx, span := c.tracer.Start(ctx, "esi.GetCharacter",
		trace.WithAttributes(attribute.Int64("character_id", characterID)))
	defer span.End()

	var out Character
	url := fmt.Sprintf("%s/characters/%d/", c.baseURL, characterID)
	if err := c.fetcher.GetJSON(ctx, url, nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.CharacterID = characterID
	return &out, nil
}

// GetCorporation fetches a corporation sheet.
func (c *Client) GetCorporation(ctx context.Context, corporationID int64) (*Corporation, error) {
	ctx, span := c.tracer.Start(ctx, "esi.GetCorporation",
		trace.WithAttributes(attribute.Int64("corporation_id", corporationID)))
	defer span.End()

	var out Corporation
	url := fmt.Sprintf("%s/corporations/%d/", c.baseURL, corporationID)
	if err := c.fetcher.GetJSON(ctx, url, nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.CorporationID = corporationID
	return &out, nil
}

// GetAlliance fetches an alliance sheet.
func (c *Client) GetAlliance(ctx context.Context, allianceID int64) (*Alliance, error) {
	ctx, span := c.tracer.Start(ctx, "esi.GetAlliance",
		trace.WithAttributes(attribute.Int64("alliance_id", allianceID)))
	defer span.End()

	var out Alliance
	url := fmt.Sprintf("%s/alliances/%d/", c.baseURL, allianceID)
	if err := c.fetcher.GetJSON(ctx, url, nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.AllianceID = allianceID
	return &out, nil
}

// GetType fetches an inventory type.
func (c *Client) GetType(ctx context.Context, typeID int64) (*Type, error) {
	ctx, span := c.tracer.Start(ctx, "esi.GetType",
		trace.WithAttributes(attribute.Int64("type_id", typeID)))
	defer span.End()

	var out Type
	url := fmt.Sprintf("%s/universe/types/%d/", c.baseURL, typeID)
	if err := c.fetcher.GetJSON(ctx, url, nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.TypeID = typeID
	return &out, nil
}

// GetGroup fetches an inventory group.
func (c *Client) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	ctx, span := c.tracer.Start(ctx, "esi.GetGroup",
		trace.WithAttributes(attribute.Int64("group_id", groupID)))
	defer span.End()

	var out Group
	url := fmt.Sprintf("%s/universe/groups/%d/", c.baseURL, groupID)
	if err := c.fetcher.GetJSON(ctx, url, nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.GroupID = groupID
	return &out, nil
}

// GetKillmail fetches the full killmail document. The hash comes from
// zKillboard; ESI rejects requests with the wrong hash.
func (c *Client) GetKillmail(ctx context.Context, killmailID int64, hash string) (*Killmail, error) {
	ctx, span := c.tracer.Start(ctx, "esi.GetKillmail",
		trace.WithAttributes(attribute.Int64("killmail_id", killmailID)))
	defer span.End()

	var out Killmail
	url := fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, killmailID, hash)
	if err := c.fetcher.GetJSON(ctx, url, nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &out, nil
}
