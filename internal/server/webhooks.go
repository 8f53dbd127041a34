package server

import (
	"context"
	"net/http"
	"net/url"

	"github.com/danielgtaylor/huma/v2"

	"paperline/internal/notify"
)

func registerWebhooks(api huma.API, store notify.WebhookStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks",
		Summary:       "Register webhook",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		if _, authErr := agentFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.URL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url is required", nil)
		}
		if u, err := url.Parse(input.Body.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url must be absolute", nil)
		}
		w, err := store.Create(ctx, input.Body.URL, input.Body.Secret, input.Body.Events)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: webhookResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/webhooks",
		Summary:     "List webhooks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WebhookResponse `json:"body"`
	}, error) {
		if _, authErr := agentFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		hooks, err := store.List(ctx, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WebhookResponse `json:"body"`
		}{Body: mapWebhooks(hooks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-webhook",
		Method:      http.MethodGet,
		Path:        "/webhooks/{id}",
		Summary:     "Get webhook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		if _, authErr := agentFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: webhookResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-webhook",
		Method:      http.MethodDelete,
		Path:        "/webhooks/{id}",
		Summary:     "Delete webhook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := agentFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := store.Delete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-dead-letters",
		Method:      http.MethodGet,
		Path:        "/webhooks/dead-letters",
		Summary:     "List dead-lettered deliveries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" maximum:"500"`
	}) (*struct {
		Body []notify.DeadLetter `json:"body"`
	}, error) {
		if _, authErr := agentFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		letters, err := store.ListDeadLetters(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if letters == nil {
			letters = []notify.DeadLetter{}
		}
		return &struct {
			Body []notify.DeadLetter `json:"body"`
		}{Body: letters}, nil
	})
}
