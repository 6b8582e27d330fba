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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/balancer"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

// warmingUpMessage is the client-facing refusal while the fleet is
// cold. Seed dashboards grep for "warming up"; keep the phrase.
const warmingUpMessage = "All nodes are warming up models"

// endpointPath maps a journal request type to the worker-side path.
func endpointPath(reqType datatypes.RequestType) string {
	switch reqType {
	case datatypes.RequestChat:
		return "/v1/chat/completions"
	case datatypes.RequestGenerate:
		return "/v1/completions"
	case datatypes.RequestEmbeddings:
		return "/v1/embeddings"
	default:
		return "/v1/chat/completions"
	}
}

// NativeChat handles POST /api/chat: model-affine selection, then the
// shared proxy pipeline.
func NativeChat(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		d.proxyInference(c, datatypes.RequestChat, "chat", d.selectForModel)
	}
}

// NativeGenerate handles POST /api/generate.
func NativeGenerate(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		d.proxyInference(c, datatypes.RequestGenerate, "generate", d.selectForModel)
	}
}

// selectForModel prefers a node that already has the model loaded.
func (d *Deps) selectForModel(model string) (datatypes.Node, error) {
	return d.Load.SelectForModel(model)
}

// selectByPolicy is the model-agnostic selection used by the
// OpenAI-compatible endpoints, honoring LOAD_BALANCER_MODE.
func (d *Deps) selectByPolicy(string) (datatypes.Node, error) {
	if d.Cfg.LoadBalancerMode == string(balancer.ModeMetrics) {
		return d.Load.SelectAgentByMetrics()
	}
	return d.Load.SelectAgent()
}

// proxyInference is the shared pipeline behind every inference
// endpoint.
//
// # Description
//
//  1. Warm-up gate: if every node is initializing, park in the
//     admission queue; a refused waiter gets 503 "warming up".
//  2. Select a worker; a still-initializing choice is also 503.
//  3. begin_request accounting, forward the raw body to the worker's
//     control API.
//  4. Connection failure: 502. Non-2xx: the upstream status verbatim
//     inside an ollama_upstream_error envelope.
//  5. Streaming responses are piped through with Content-Type
//     preserved; buffered responses are parsed and returned.
//
// Journaling is fire-and-forget; handler latency never waits on the
// journal file.
func (d *Deps) proxyInference(c *gin.Context, reqType datatypes.RequestType, endpoint string,
	selectNode func(model string) (datatypes.Node, error)) {

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		renderError(c, apperr.Validation("failed to read request body: %v", err))
		return
	}

	var envelope datatypes.ProxyEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		renderError(c, apperr.Validation("Invalid JSON body: %v", err))
		return
	}
	if envelope.Model == "" {
		renderError(c, apperr.Validation("`model` field is required"))
		return
	}

	d.trackActive(endpoint, 1)
	defer d.trackActive(endpoint, -1)

	// Warm-up admission gate.
	if d.Load.AllInitializing() {
		d.Load.RecordQueued()
		d.countQueued()
		if err := d.Load.WaitForReady(c.Request.Context(), int64(d.Cfg.MaxWaiters)); err != nil {
			d.countProxied(endpoint, envelope.Model, "rejected")
			renderError(c, apperr.New(apperr.KindUnavailable, warmingUpMessage))
			return
		}
	}

	node, err := selectNode(envelope.Model)
	if err != nil {
		d.countProxied(endpoint, envelope.Model, "rejected")
		renderError(c, err)
		return
	}
	if node.Initializing {
		d.countProxied(endpoint, envelope.Model, "rejected")
		renderError(c, apperr.New(apperr.KindUnavailable, warmingUpMessage))
		return
	}

	recordID := uuid.New()
	startedAt := time.Now().UTC()

	if err := d.Load.BeginRequest(node.ID); err != nil {
		renderError(c, err)
		return
	}

	url := nodeBaseURL(node) + endpointPath(reqType)
	upstreamReq, err := http.NewRequestWithContext(c.Request.Context(),
		http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.finishAndJournal(node, recordID, reqType, envelope.Model, body, nil,
			startedAt, c.ClientIP(), balancer.OutcomeError, err.Error())
		d.countProxied(endpoint, envelope.Model, "error")
		renderError(c, apperr.Wrap(apperr.KindInternal, err, "build upstream request"))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.workerClient().Do(upstreamReq)
	if err != nil {
		message := "Failed to proxy " + endpoint + " request: " + err.Error()
		d.finishAndJournal(node, recordID, reqType, envelope.Model, body, nil,
			startedAt, c.ClientIP(), balancer.OutcomeError, message)
		d.countProxied(endpoint, envelope.Model, "error")
		d.observeProxy(endpoint, "error", time.Since(start))
		renderError(c, apperr.Wrap(apperr.KindUpstream, err, "Failed to proxy %s request", endpoint))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstreamBody, _ := io.ReadAll(resp.Body)
		message := string(bytes.TrimSpace(upstreamBody))
		if message == "" {
			message = resp.Status
		}
		d.finishAndJournal(node, recordID, reqType, envelope.Model, body, nil,
			startedAt, c.ClientIP(), balancer.OutcomeError, message)
		d.countProxied(endpoint, envelope.Model, "error")
		d.observeProxy(endpoint, "error", time.Since(start))

		// The upstream status code passes through verbatim.
		c.JSON(resp.StatusCode, gin.H{
			"error": gin.H{
				"message": message,
				"type":    "ollama_upstream_error",
				"code":    resp.StatusCode,
			},
		})
		return
	}

	if envelope.Stream {
		d.finishAndJournal(node, recordID, reqType, envelope.Model, body, nil,
			startedAt, c.ClientIP(), balancer.OutcomeSuccess, "")
		d.countProxied(endpoint, envelope.Model, "success")
		d.observeProxy(endpoint, "success", time.Since(start))
		streamResponse(c, resp)
		return
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil || !json.Valid(responseBody) {
		message := "Failed to parse " + endpoint + " response"
		if err != nil {
			message += ": " + err.Error()
		}
		d.finishAndJournal(node, recordID, reqType, envelope.Model, body, nil,
			startedAt, c.ClientIP(), balancer.OutcomeError, message)
		d.countProxied(endpoint, envelope.Model, "error")
		d.observeProxy(endpoint, "error", time.Since(start))
		renderError(c, apperr.New(apperr.KindUpstream, "%s", message))
		return
	}

	d.finishAndJournal(node, recordID, reqType, envelope.Model, body, responseBody,
		startedAt, c.ClientIP(), balancer.OutcomeSuccess, "")
	d.countProxied(endpoint, envelope.Model, "success")
	d.observeProxy(endpoint, "success", time.Since(start))
	c.Data(http.StatusOK, "application/json", responseBody)
}

// finishAndJournal closes the accounting for one proxied request and
// persists the journal record in the background.
func (d *Deps) finishAndJournal(node datatypes.Node, recordID uuid.UUID,
	reqType datatypes.RequestType, model string, requestBody, responseBody []byte,
	startedAt time.Time, clientIP string, outcome balancer.RequestOutcome, errMsg string) {

	duration := time.Since(startedAt)
	if err := d.Load.FinishRequest(node.ID, outcome, duration); err != nil {
		slog.Warn("request accounting failed", "node_id", node.ID, "error", err)
	}

	record := datatypes.RequestRecord{
		ID:          recordID,
		Timestamp:   startedAt,
		RequestType: reqType,
		Model:       model,
		NodeID:      node.ID,
		MachineName: node.MachineName,
		NodeIP:      node.IPAddress,
		ClientIP:    clientIP,
		RequestBody: json.RawMessage(requestBody),
		DurationMS:  duration.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if outcome == balancer.OutcomeSuccess {
		record.Status = datatypes.RecordSuccess
		record.ResponseBody = json.RawMessage(responseBody)
	} else {
		record.Status = datatypes.RecordError
		record.ErrorMessage = errMsg
	}

	go func() {
		if err := d.Journal.Append(record); err != nil {
			slog.Error("failed to save request record", "record_id", record.ID, "error", err)
		}
	}()
}

// streamResponse pipes the upstream byte stream to the client,
// preserving the status and headers. Content-Type defaults to
// application/json only when the upstream did not set one.
func streamResponse(c *gin.Context, resp *http.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	if c.Writer.Header().Get("Content-Type") == "" {
		c.Writer.Header().Set("Content-Type", "application/json")
	}
	c.Writer.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("upstream stream interrupted", "error", err)
			}
			return
		}
	}
}
