package subscription

import "time"

// CreateSubscriptionInput is POST /api/v1/subscriptions' request shape
// (spec §6 downstream REST API).
type CreateSubscriptionInput struct {
	Body struct {
		SubscriberID string  `json:"subscriber_id" required:"true" minLength:"1" description:"Caller-chosen identifier for this subscriber"`
		SystemIDs    []int32 `json:"system_ids,omitempty" maxItems:"100" description:"Solar system ids to receive killmails for"`
		CharacterIDs []int64 `json:"character_ids,omitempty" maxItems:"1000" description:"Character ids to receive killmails involving"`
		CallbackURL  string  `json:"callback_url,omitempty" description:"http(s) URL invoked with killmail_update/killmail_count_update payloads"`
	}
}

// CreateSubscriptionOutput is the 201 response body.
type CreateSubscriptionOutput struct {
	Body struct {
		SubscriptionID string `json:"subscription_id"`
		Message        string `json:"message"`
	}
}

// ListSubscriptionsInput takes no parameters.
type ListSubscriptionsInput struct{}

// SubscriptionOutput is one subscription's public shape.
type SubscriptionOutput struct {
	SubscriptionID string    `json:"subscription_id"`
	SubscriberID   string    `json:"subscriber_id"`
	SystemIDs      []int32   `json:"system_ids"`
	CharacterIDs   []int64   `json:"character_ids"`
	CallbackURL    string    `json:"callback_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListSubscriptionsOutput is GET /api/v1/subscriptions' response body.
type ListSubscriptionsOutput struct {
	Body struct {
		Subscriptions []SubscriptionOutput `json:"subscriptions"`
		Count         int                  `json:"count"`
	}
}

// StatsOutput is GET /api/v1/subscriptions/stats' response body.
type StatsOutput struct {
	Body struct {
		TotalSubscriptions     int `json:"total_subscriptions"`
		SystemIndexEntities    int `json:"system_index_entities"`
		SystemIndexMappings    int `json:"system_index_mappings"`
		CharacterIndexEntities int `json:"character_index_entities"`
		CharacterIndexMappings int `json:"character_index_mappings"`
	}
}

// DeleteSubscriptionInput is DELETE /api/v1/subscriptions/{subscriber_id}'s
// request shape.
type DeleteSubscriptionInput struct {
	SubscriberID string `path:"subscriber_id" required:"true" description:"Subscriber id to remove every subscription for"`
}

// DeleteSubscriptionOutput is the 200 response body.
type DeleteSubscriptionOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

// ToOutput converts a Subscription to its public REST representation.
func ToOutput(sub Subscription) SubscriptionOutput {
	return SubscriptionOutput{
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		SystemIDs:      sub.SystemIDs,
		CharacterIDs:   sub.CharacterIDs,
		CallbackURL:    sub.CallbackURL,
		CreatedAt:      sub.CreatedAt,
	}
}
