package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-playground/validator/v10"

	"wandererkills/internal/subscriptions/dto"
	"wandererkills/internal/subscriptions/services"
	"wandererkills/pkg/handlers"
)

// Routes handles the HTTP endpoints for the subscriptions module
type Routes struct {
	registry  *services.Registry
	preloader *services.Preloader
	validate  *validator.Validate
}

// NewRoutes creates a new Routes instance
func NewRoutes(registry *services.Registry, preloader *services.Preloader) *Routes {
	return &Routes{
		registry:  registry,
		preloader: preloader,
		validate:  validator.New(),
	}
}

// RegisterRoutes registers all subscription routes
func (r *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createSubscription",
		Method:        http.MethodPost,
		Path:          "/subscriptions",
		Summary:       "Create a subscription",
		Description:   "Subscribes to killmails filtered by system and/or character ids; recent history for watched systems is preloaded",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusOK,
	}, r.CreateSubscription)

	huma.Register(api, huma.Operation{
		OperationID: "deleteSubscription",
		Method:      http.MethodDelete,
		Path:        "/subscriptions/{subscriber_id}",
		Summary:     "Delete a subscription",
		Tags:        []string{"Subscriptions"},
	}, r.DeleteSubscription)

	huma.Register(api, huma.Operation{
		OperationID: "listSubscriptions",
		Method:      http.MethodGet,
		Path:        "/subscriptions",
		Summary:     "List active subscriptions",
		Tags:        []string{"Subscriptions"},
	}, r.ListSubscriptions)
}

// CreateSubscription registers a new subscription and kicks off the preload
func (r *Routes) CreateSubscription(ctx context.Context, input *dto.CreateSubscriptionInput) (*dto.CreateSubscriptionOutput, error) {
	if err := r.validate.Struct(&input.Body); err != nil {
		return nil, huma.Error400BadRequest("invalid subscription request", err)
	}

	sub, err := r.registry.Subscribe(input.Body.SubscriberID, input.Body.SystemIDs, input.Body.CharacterIDs, input.Body.CallbackURL)
	if err != nil {
		return nil, handlers.HumaError(err)
	}
	if len(sub.SystemIDs) > 0 {
		r.preloader.Preload(context.WithoutCancel(ctx), sub)
	}

	out := &dto.CreateSubscriptionOutput{}
	out.Body.SubscriptionID = sub.ID
	out.Body.Status = "active"
	return out, nil
}

// DeleteSubscriptionInput holds the subscriber id path parameter
type DeleteSubscriptionInput struct {
	SubscriberID string `path:"subscriber_id" doc:"Subscriber identifier"`
}

// DeleteSubscription removes the subscriber's subscription
func (r *Routes) DeleteSubscription(ctx context.Context, input *DeleteSubscriptionInput) (*dto.DeleteSubscriptionOutput, error) {
	if err := r.registry.Unsubscribe(input.SubscriberID); err != nil {
		return nil, handlers.HumaError(err)
	}
	out := &dto.DeleteSubscriptionOutput{}
	out.Body.Status = "deleted"
	return out, nil
}

// ListSubscriptionsInput has no parameters
type ListSubscriptionsInput struct{}

// ListSubscriptions returns all active subscriptions
func (r *Routes) ListSubscriptions(ctx context.Context, input *ListSubscriptionsInput) (*dto.ListSubscriptionsOutput, error) {
	subs := r.registry.List()
	out := &dto.ListSubscriptionsOutput{}
	out.Body.Subscriptions = make([]dto.SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		out.Body.Subscriptions = append(out.Body.Subscriptions, dto.ViewOf(sub))
	}
	out.Body.Count = len(subs)
	return out, nil
}
