package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"wandererkills/internal/killmails/dto"
	"wandererkills/internal/killmails/services"
	"wandererkills/pkg/handlers"
)

// Routes handles the HTTP endpoints for the killmails module
type Routes struct {
	query *services.QueryService
}

// NewRoutes creates a new Routes instance
func NewRoutes(query *services.QueryService) *Routes {
	return &Routes{query: query}
}

// RegisterRoutes registers all killmail routes
func (r *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSystemKills",
		Method:      http.MethodGet,
		Path:        "/kills/system/{id}",
		Summary:     "Get kills for a system",
		Description: "Returns kills for a solar system within the window, falling back to the upstream when the system has not been fetched recently",
		Tags:        []string{"Kills"},
	}, r.GetSystemKills)

	huma.Register(api, huma.Operation{
		OperationID: "getSystemsKills",
		Method:      http.MethodPost,
		Path:        "/kills/systems",
		Summary:     "Get kills for multiple systems",
		Tags:        []string{"Kills"},
	}, r.GetSystemsKills)

	huma.Register(api, huma.Operation{
		OperationID: "getCachedKills",
		Method:      http.MethodGet,
		Path:        "/kills/cached/{id}",
		Summary:     "Get cached kills for a system",
		Description: "Serves kills straight from the cache without contacting the upstream",
		Tags:        []string{"Kills"},
	}, r.GetCachedKills)

	huma.Register(api, huma.Operation{
		OperationID: "getKillmail",
		Method:      http.MethodGet,
		Path:        "/killmail/{id}",
		Summary:     "Get a single killmail",
		Tags:        []string{"Kills"},
	}, r.GetKillmail)

	huma.Register(api, huma.Operation{
		OperationID: "getSystemKillCount",
		Method:      http.MethodGet,
		Path:        "/kills/count/{id}",
		Summary:     "Get the kill count for a system",
		Tags:        []string{"Kills"},
	}, r.GetSystemKillCount)
}

// GetSystemKillsInput holds the path and query parameters for the system query
type GetSystemKillsInput struct {
	ID         int64 `path:"id" minimum:"1" doc:"Solar system id"`
	SinceHours int   `query:"since_hours" minimum:"0" maximum:"168" doc:"Lookback window in hours, default 24"`
	Limit      int   `query:"limit" minimum:"0" maximum:"1000" doc:"Maximum kills returned, default 100"`
}

// GetSystemKills returns kills for one system
func (r *Routes) GetSystemKills(ctx context.Context, input *GetSystemKillsInput) (*dto.SystemKillsOutput, error) {
	kills, cached, err := r.query.SystemKills(ctx, input.ID, input.SinceHours, input.Limit)
	if err != nil {
		return nil, handlers.HumaError(err)
	}
	out := &dto.SystemKillsOutput{}
	out.Body.Kills = kills
	out.Body.Cached = cached
	out.Body.Timestamp = time.Now().UTC()
	return out, nil
}

// GetSystemsKillsInput holds the bulk query request body
type GetSystemsKillsInput struct {
	Body struct {
		SystemIDs  []int64 `json:"system_ids" minItems:"1" maxItems:"50" doc:"Solar system ids"`
		SinceHours int     `json:"since_hours,omitempty" minimum:"0" maximum:"168"`
		Limit      int     `json:"limit,omitempty" minimum:"0" maximum:"1000"`
	}
}

// GetSystemsKills returns kills for multiple systems
func (r *Routes) GetSystemsKills(ctx context.Context, input *GetSystemsKillsInput) (*dto.SystemsKillsOutput, error) {
	kills, err := r.query.SystemsKills(ctx, input.Body.SystemIDs, input.Body.SinceHours, input.Body.Limit)
	if err != nil {
		return nil, handlers.HumaError(err)
	}
	out := &dto.SystemsKillsOutput{}
	out.Body.SystemsKills = kills
	out.Body.Timestamp = time.Now().UTC()
	return out, nil
}

// GetCachedKillsInput holds the path parameters for the cache-only query
type GetCachedKillsInput struct {
	ID    int64 `path:"id" minimum:"1" doc:"Solar system id"`
	Limit int   `query:"limit" minimum:"0" maximum:"1000"`
}

// GetCachedKills returns cached kills for one system
func (r *Routes) GetCachedKills(ctx context.Context, input *GetCachedKillsInput) (*dto.CachedKillsOutput, error) {
	kills, err := r.query.CachedKills(input.ID, input.Limit)
	if err != nil {
		return nil, handlers.HumaError(err)
	}
	out := &dto.CachedKillsOutput{}
	out.Body.Kills = kills
	out.Body.Timestamp = time.Now().UTC()
	return out, nil
}

// GetKillmailInput holds the killmail id path parameter
type GetKillmailInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Killmail id"`
}

// GetKillmail returns one enriched killmail
func (r *Routes) GetKillmail(ctx context.Context, input *GetKillmailInput) (*dto.KillmailOutput, error) {
	km, err := r.query.Killmail(input.ID)
	if err != nil {
		return nil, handlers.HumaError(err)
	}
	return &dto.KillmailOutput{Body: km}, nil
}

// GetSystemKillCountInput holds the system id path parameter
type GetSystemKillCountInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Solar system id"`
}

// GetSystemKillCount returns the kill counter for one system
func (r *Routes) GetSystemKillCount(ctx context.Context, input *GetSystemKillCountInput) (*dto.SystemCountOutput, error) {
	count, err := r.query.SystemCount(input.ID)
	if err != nil {
		return nil, handlers.HumaError(err)
	}
	out := &dto.SystemCountOutput{}
	out.Body.SystemID = input.ID
	out.Body.Count = count
	out.Body.Timestamp = time.Now().UTC()
	return out, nil
}
