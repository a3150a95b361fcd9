package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the API routes.
func buildOpenAPIDoc(webhookPath string) map[string]any {
	protected := []any{map[string]any{"BearerAuth": []string{}}}
	get := func(id, summary string) map[string]any {
		return map[string]any{
			"operationId": id,
			"summary":     summary,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"401": map[string]any{"description": "Missing or invalid API key"},
			},
			"security": protected,
		}
	}

	paths := map[string]any{
		"/healthz": map[string]any{"get": map[string]any{
			"operationId": "healthz",
			"summary":     "Liveness and state backend summary",
			"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
		}},
		"/status":  map[string]any{"get": get("status", "Status report: current job, retry tracker, history, last cycle")},
		"/history": map[string]any{"get": get("history", "Most recent job records, newest first")},
		"/jobs/{jobID}": map[string]any{"get": map[string]any{
			"operationId": "getJob",
			"summary":     "One job record by id",
			"parameters": []any{map[string]any{
				"name": "jobID", "in": "path", "required": true,
				"schema": map[string]any{"type": "string"},
			}},
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"404": map[string]any{"description": "Unknown job"},
			},
			"security": protected,
		}},
		"/poll": map[string]any{"post": map[string]any{
			"operationId": "poll",
			"summary":     "Request an early poll cycle",
			"responses": map[string]any{
				"202": map[string]any{"description": "Poll requested"},
				"503": map[string]any{"description": "No scheduler in this process"},
			},
			"security": protected,
		}},
		"/events": map[string]any{"get": get("events", "Server-sent event stream of poll and dispatch events")},
	}

	if webhookPath != "" {
		paths[webhookPath] = map[string]any{"post": map[string]any{
			"operationId": "linearWebhook",
			"summary":     "Linear webhook receiver, authenticated by HMAC signature",
			"responses": map[string]any{
				"202": map[string]any{"description": "Scheduler woken"},
				"403": map[string]any{"description": "Invalid signature"},
			},
		}}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "ticketd",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
