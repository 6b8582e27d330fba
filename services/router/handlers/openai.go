// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// cloudPrefixes are the recognized provider routes. "ahtnorpic:" is a
// long-lived client typo normalized to anthropic.
var cloudPrefixes = map[string]string{
	"openai:":    "openai",
	"google:":    "google",
	"anthropic:": "anthropic",
	"ahtnorpic:": "anthropic",
}

// parseCloudModel splits "openai:gpt-4o" into (provider, model). The
// second return is false for fleet-local models.
func parseCloudModel(model string) (provider, name string, ok bool) {
	for prefix, p := range cloudPrefixes {
		if strings.HasPrefix(model, prefix) {
			rest := strings.TrimPrefix(model, prefix)
			if rest == "" {
				return "", "", false
			}
			return p, rest, true
		}
	}
	return "", "", false
}

// ChatCompletions handles POST /v1/chat/completions.
func ChatCompletions(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.maybeProxyCloud(c, datatypes.RequestChat) {
			return
		}
		d.proxyInference(c, datatypes.RequestChat, "chat", d.selectByPolicy)
	}
}

// Completions handles POST /v1/completions.
func Completions(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.maybeProxyCloud(c, datatypes.RequestGenerate) {
			return
		}
		d.proxyInference(c, datatypes.RequestGenerate, "generate", d.selectByPolicy)
	}
}

// Embeddings handles POST /v1/embeddings.
func Embeddings(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.maybeProxyCloud(c, datatypes.RequestEmbeddings) {
			return
		}
		d.proxyInference(c, datatypes.RequestEmbeddings, "embeddings", d.selectByPolicy)
	}
}

// maybeProxyCloud intercepts provider-prefixed models. Returns true
// when the request was handled (successfully or not).
//
// Only the openai: prefix is implemented; the body is re-shaped with
// the provider's client library and the prefix stripped from the model.
// Cloud calls skip node selection, accounting, and journaling.
func (d *Deps) maybeProxyCloud(c *gin.Context, reqType datatypes.RequestType) bool {
	// Peek at the model without consuming the body for the fleet path.
	raw, err := c.GetRawData()
	if err != nil {
		renderError(c, apperr.Validation("failed to read request body: %v", err))
		return true
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var envelope datatypes.ProxyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// Let the fleet pipeline produce the validation error.
		return false
	}

	provider, model, ok := parseCloudModel(envelope.Model)
	if !ok {
		return false
	}

	if envelope.Stream {
		renderError(c, apperr.Validation(
			"streaming is not yet supported for cloud provider models"))
		return true
	}
	if provider != "openai" {
		renderError(c, apperr.Validation(
			"provider prefix %q is reserved, not implemented", provider+":"))
		return true
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		renderError(c, apperr.Validation("OPENAI_API_KEY is required for openai: models"))
		return true
	}
	client := openai.NewClient(apiKey)

	switch reqType {
	case datatypes.RequestChat:
		var req openai.ChatCompletionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			renderError(c, apperr.Validation("Invalid chat completion body: %v", err))
			return true
		}
		req.Model = model
		resp, err := client.CreateChatCompletion(c.Request.Context(), req)
		if err != nil {
			renderError(c, apperr.Wrap(apperr.KindUpstream, err, "openai chat completion failed"))
			return true
		}
		c.JSON(http.StatusOK, resp)

	case datatypes.RequestGenerate:
		var req openai.CompletionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			renderError(c, apperr.Validation("Invalid completion body: %v", err))
			return true
		}
		req.Model = model
		resp, err := client.CreateCompletion(c.Request.Context(), req)
		if err != nil {
			renderError(c, apperr.Wrap(apperr.KindUpstream, err, "openai completion failed"))
			return true
		}
		c.JSON(http.StatusOK, resp)

	case datatypes.RequestEmbeddings:
		var req struct {
			Input any `json:"input"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			renderError(c, apperr.Validation("Invalid embeddings body: %v", err))
			return true
		}
		resp, err := client.CreateEmbeddings(c.Request.Context(), openai.EmbeddingRequestStrings{
			Input: toStringSlice(req.Input),
			Model: openai.EmbeddingModel(model),
		})
		if err != nil {
			renderError(c, apperr.Wrap(apperr.KindUpstream, err, "openai embeddings failed"))
			return true
		}
		c.JSON(http.StatusOK, resp)
	}
	return true
}

// toStringSlice coerces the OpenAI embeddings input union (string or
// array of strings) into a slice.
func toStringSlice(input any) []string {
	switch v := input.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ListModels handles GET /v1/models: the catalog in OpenAI list shape.
func ListModels(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		models := d.Catalog.List()
		data := make([]gin.H, 0, len(models))
		for _, m := range models {
			data = append(data, gin.H{
				"id":       m.Name,
				"object":   "model",
				"created":  0,
				"owned_by": "coordinator",
			})
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}

// GetModel handles GET /v1/models/:id. Unknown models get the OpenAI
// model_not_found envelope.
func GetModel(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !d.Catalog.Has(id) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{
					"message": "The model does not exist",
					"type":    "invalid_request_error",
					"param":   "model",
					"code":    "model_not_found",
				},
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":       id,
			"object":   "model",
			"created":  0,
			"owned_by": "coordinator",
		})
	}
}
