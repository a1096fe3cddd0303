package api

import (
	"net/http"

	"go.uber.org/zap"

	"querybridge/internal/core"
	"querybridge/internal/pagination"
	"querybridge/internal/security"
)

// CatalogHandler describes the saved queries as OpenAPI schemas, one
// parameter object per query.
type CatalogHandler struct {
	queries core.QueryRepository
	log     *zap.Logger
}

func NewCatalogHandler(queries core.QueryRepository, log *zap.Logger) *CatalogHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CatalogHandler{queries: queries, log: log}
}

func (h *CatalogHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	queries, err := h.queries.GetAll(r.Context())
	if err != nil {
		h.log.Error("failed to list queries", zap.Error(err))
		writeError(w, statusFor(err), "failed to list queries")
		return
	}

	schemas := make(map[string]interface{}, len(queries))
	for _, q := range queries {
		schemas[q.Name] = querySchema(q)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "querybridge catalog",
			"version":     "1.0.0",
			"description": "Parameters accepted by each saved query.",
		},
		"paths": map[string]interface{}{},
		"components": map[string]interface{}{
			"schemas": schemas,
		},
	})
}

func querySchema(q core.Query) map[string]interface{} {
	properties := make(map[string]interface{}, len(q.Parameters)+4)
	required := []string{}
	for _, p := range q.Parameters {
		prop := map[string]interface{}{"type": p.DataType}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Required() {
			required = append(required, p.Name)
		} else {
			prop["default"] = p.DefaultValue
		}
		properties[p.Name] = prop
	}

	// system keys are accepted by every query
	limit := pagination.DefaultPageSize
	properties[security.KeyPage] = map[string]interface{}{"type": "integer", "default": 1, "minimum": 1}
	properties[security.KeyLimit] = map[string]interface{}{"type": "integer", "default": limit, "minimum": 1}
	properties[security.KeySort] = map[string]interface{}{"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"}
	properties[security.KeyOrder] = map[string]interface{}{"type": "string", "enum": []string{"asc", "desc"}}

	schema := map[string]interface{}{
		"type":                 "object",
		"title":                q.Name,
		"description":          q.Description,
		"properties":           properties,
		"additionalProperties": false,
		"x-query-id":           q.ID,
		"x-category":           q.Category,
		"x-async":              q.Async,
		"x-cacheable":          q.Cacheable(),
		"x-server-paginated":   pagination.Variable.MatchString(q.SQLText),
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
