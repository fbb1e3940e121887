package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"wandererkills/internal/stream/dto"
	"wandererkills/internal/stream/services"
)

// Routes handles the HTTP endpoints for the stream module
type Routes struct {
	ingestor *services.Ingestor
}

// NewRoutes creates a new Routes instance
func NewRoutes(ingestor *services.Ingestor) *Routes {
	return &Routes{ingestor: ingestor}
}

// RegisterRoutes registers all stream routes
func (r *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStreamStatus",
		Method:      http.MethodGet,
		Path:        "/stream/status",
		Summary:     "Get stream ingestor status",
		Description: "Returns the current state and counters of the killmail stream ingestor",
		Tags:        []string{"Stream"},
	}, r.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "controlStream",
		Method:      http.MethodPost,
		Path:        "/stream/control",
		Summary:     "Control the stream ingestor",
		Description: "Start, stop, or restart the killmail stream ingestor",
		Tags:        []string{"Stream"},
	}, r.Control)
}

// GetStatusInput has no parameters
type GetStatusInput struct{}

// GetStatus returns the ingestor status
func (r *Routes) GetStatus(ctx context.Context, input *GetStatusInput) (*dto.StatusOutput, error) {
	m := r.ingestor.Metrics()
	out := &dto.StatusOutput{}
	out.Body.Running = r.ingestor.Running()
	out.Body.QueueID = r.ingestor.QueueID()
	if r.ingestor.Running() {
		out.Body.StartedAt = r.ingestor.StartedAt()
	}
	out.Body.Polls = m.Polls.Load()
	out.Body.Kills = m.Kills.Load()
	out.Body.NoKills = m.NoKills.Load()
	out.Body.Rejected = m.Rejected.Load()
	out.Body.FetchErrors = m.FetchErrors.Load()
	out.Body.ProtocolErrors = m.ProtocolErrors.Load()
	if last := m.LastKillUnix.Load(); last > 0 {
		out.Body.LastKillAt = time.Unix(last, 0).UTC()
	}
	out.Body.Timestamp = time.Now().UTC()
	return out, nil
}

// Control starts, stops or restarts the ingestor
func (r *Routes) Control(ctx context.Context, input *dto.ControlInput) (*dto.ControlOutput, error) {
	out := &dto.ControlOutput{}
	var err error
	switch input.Body.Action {
	case "start":
		err = r.ingestor.Start(context.Background())
	case "stop":
		err = r.ingestor.Stop()
	case "restart":
		if stopErr := r.ingestor.Stop(); stopErr != nil {
			err = stopErr
			break
		}
		err = r.ingestor.Start(context.Background())
	default:
		return nil, huma.Error400BadRequest("unknown action: " + input.Body.Action)
	}
	if err != nil {
		out.Body.Success = false
		out.Body.Message = err.Error()
		return out, nil
	}
	out.Body.Success = true
	out.Body.Message = "action " + input.Body.Action + " completed"
	return out, nil
}
