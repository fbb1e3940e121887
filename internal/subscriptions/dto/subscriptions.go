package dto

import (
	"time"

	"wandererkills/internal/subscriptions/models"
)

// CreateSubscriptionInput is the subscribe request.
type CreateSubscriptionInput struct {
	Body struct {
		SubscriberID string  `json:"subscriber_id" validate:"required" doc:"Client-chosen subscriber identifier"`
		SystemIDs    []int64 `json:"system_ids,omitempty" doc:"Solar system ids to watch"`
		CharacterIDs []int64 `json:"character_ids,omitempty" doc:"Character ids to watch"`
		CallbackURL  string  `json:"callback_url,omitempty" validate:"omitempty,http_url" doc:"Webhook target for push delivery"`
	}
}

// CreateSubscriptionOutput confirms a new subscription.
type CreateSubscriptionOutput struct {
	Body struct {
		SubscriptionID string `json:"subscription_id"`
		Status         string `json:"status"`
	}
}

// DeleteSubscriptionOutput confirms an unsubscribe.
type DeleteSubscriptionOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// SubscriptionView is the serialized form of one subscription.
type SubscriptionView struct {
	SubscriptionID string    `json:"subscription_id"`
	SubscriberID   string    `json:"subscriber_id"`
	SystemIDs      []int64   `json:"system_ids"`
	CharacterIDs   []int64   `json:"character_ids"`
	CallbackURL    string    `json:"callback_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastDelivered  int64     `json:"last_delivered"`
}

// ViewOf maps a subscription into its wire form.
func ViewOf(sub *models.Subscription) SubscriptionView {
	return SubscriptionView{
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		SystemIDs:      sub.Systems(),
		CharacterIDs:   sub.Characters(),
		CallbackURL:    sub.CallbackURL,
		CreatedAt:      sub.CreatedAt,
		LastDelivered:  sub.LastDelivered,
	}
}

// ListSubscriptionsOutput lists all active subscriptions.
type ListSubscriptionsOutput struct {
	Body struct {
		Subscriptions []SubscriptionView `json:"subscriptions"`
		Count         int                `json:"count"`
	}
}
