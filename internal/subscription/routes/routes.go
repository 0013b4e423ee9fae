// Package routes registers the subscription module's REST operations
// (spec §6 downstream REST API) against a huma.API.
package routes

import (
	"context"
	"net/http"

	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/subscription"

	"github.com/danielgtaylor/huma/v2"
)

// RegisterSubscriptionRoutes registers the subscription CRUD + stats
// operations under basePath.
func RegisterSubscriptionRoutes(api huma.API, basePath string, mgr *subscription.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "createSubscription",
		Method:        http.MethodPost,
		Path:          basePath,
		Summary:       "Create a subscription",
		Description:   "Registers interest in killmails for a set of systems and/or characters, delivered via webhook callback.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *subscription.CreateSubscriptionInput) (*subscription.CreateSubscriptionOutput, error) {
		id, err := mgr.Subscribe(subscription.CreateRequest{
			SubscriberID: input.Body.SubscriberID,
			SystemIDs:    input.Body.SystemIDs,
			CharacterIDs: input.Body.CharacterIDs,
			CallbackURL:  input.Body.CallbackURL,
			Kind:         subscription.KindHTTP,
		})
		if err != nil {
			return nil, mapError(err)
		}

		out := &subscription.CreateSubscriptionOutput{}
		out.Body.SubscriptionID = id
		out.Body.Message = "subscription created"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "listSubscriptions",
		Method:        http.MethodGet,
		Path:          basePath,
		Summary:       "List subscriptions",
		Description:   "Returns every currently registered subscription.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *subscription.ListSubscriptionsInput) (*subscription.ListSubscriptionsOutput, error) {
		subs := mgr.List()
		out := &subscription.ListSubscriptionsOutput{}
		out.Body.Subscriptions = make([]subscription.SubscriptionOutput, 0, len(subs))
		for _, sub := range subs {
			out.Body.Subscriptions = append(out.Body.Subscriptions, subscription.ToOutput(sub))
		}
		out.Body.Count = len(out.Body.Subscriptions)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "getSubscriptionStats",
		Method:        http.MethodGet,
		Path:          basePath + "/stats",
		Summary:       "Get subscription stats",
		Description:   "Returns aggregate counts for subscriptions and both entity indexes.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*subscription.StatsOutput, error) {
		stats := mgr.Stats()
		out := &subscription.StatsOutput{}
		out.Body.TotalSubscriptions = stats.TotalSubscriptions
		out.Body.SystemIndexEntities = stats.SystemIndex.TotalEntityEntries
		out.Body.SystemIndexMappings = stats.SystemIndex.TotalMappings
		out.Body.CharacterIndexEntities = stats.CharacterIndex.TotalEntityEntries
		out.Body.CharacterIndexMappings = stats.CharacterIndex.TotalMappings
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteSubscription",
		Method:        http.MethodDelete,
		Path:          basePath + "/{subscriber_id}",
		Summary:       "Remove a subscriber's subscriptions",
		Description:   "Removes every subscription owned by the given subscriber_id.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *subscription.DeleteSubscriptionInput) (*subscription.DeleteSubscriptionOutput, error) {
		mgr.UnsubscribeSubscriber(input.SubscriberID)
		out := &subscription.DeleteSubscriptionOutput{}
		out.Body.Message = "subscriptions removed"
		return out, nil
	})
}

// mapError maps an errkind.Error to the huma status its Kind implies.
func mapError(err error) error {
	if kind, ok := errkind.As(err); ok {
		switch kind {
		case errkind.Validation, errkind.MissingFields, errkind.InvalidFieldTypes, errkind.InvalidFormat, errkind.InvalidTimeFormat:
			return huma.Error400BadRequest(err.Error(), err)
		case errkind.NotFound:
			return huma.Error404NotFound(err.Error(), err)
		}
	}
	return huma.Error500InternalServerError("internal error", err)
}
