// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/services/router/apperr"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
)

const bytesPerGB = 1024 * 1024 * 1024

// validateModelName rejects names that could not be a model reference.
//
// # Description
//
// Accepted forms: "name", "name:tag", or an "hf/..." repository path.
// The name part is limited to [a-z0-9._-]; the tag part to
// alphanumerics, '.', and '-'. At most one colon.
func validateModelName(model string) error {
	if model == "" {
		return apperr.Validation("model name must not be empty")
	}
	if strings.HasPrefix(model, "hf/") {
		if len(model) <= 3 {
			return apperr.Validation("invalid HuggingFace model path: %q", model)
		}
		return nil
	}
	if strings.Count(model, ":") > 1 {
		return apperr.Validation("invalid model name %q: at most one ':' allowed", model)
	}

	name, tag, _ := strings.Cut(model, ":")
	if name == "" {
		return apperr.Validation("invalid model name %q: empty name part", model)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-') {
			return apperr.Validation("invalid model name %q: illegal character %q", model, r)
		}
	}
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-') {
			return apperr.Validation("invalid model tag in %q: illegal character %q", model, r)
		}
	}
	return nil
}

// modelView is the dashboard-facing catalog entry with derived fields.
type modelView struct {
	Name             string               `json:"name"`
	DisplayName      string               `json:"display_name"`
	SizeGB           *float64             `json:"size_gb,omitempty"`
	RequiredMemoryGB *float64             `json:"required_memory_gb,omitempty"`
	Description      string               `json:"description"`
	Tags             []string             `json:"tags,omitempty"`
	Source           datatypes.ModelSource `json:"source"`
}

// displayName renders "gpt-oss:20b" as "GPT-OSS 20B".
func displayName(name string) string {
	base, tag, hasTag := strings.Cut(name, ":")
	if !hasTag {
		return strings.ToUpper(base)
	}
	return strings.ToUpper(base) + " " + strings.ToUpper(tag)
}

func toModelView(m datatypes.ModelInfo) modelView {
	v := modelView{
		Name:        m.Name,
		DisplayName: displayName(m.Name),
		Description: m.Description,
		Tags:        m.Tags,
		Source:      m.Source,
	}
	if m.Size > 0 {
		gb := float64(m.Size) / bytesPerGB
		v.SizeGB = &gb
	}
	if m.RequiredMemory > 0 {
		gb := float64(m.RequiredMemory) / bytesPerGB
		v.RequiredMemoryGB = &gb
	}
	return v
}

// AvailableModels handles GET /api/models/available: the catalog in
// dashboard view shape.
func AvailableModels(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		models := d.Catalog.List()
		views := make([]modelView, 0, len(models))
		for _, m := range models {
			views = append(views, toModelView(m))
		}
		c.JSON(http.StatusOK, gin.H{"models": views})
	}
}

// loadedModelSummary aggregates download tasks per model across the
// fleet.
type loadedModelSummary struct {
	ModelName   string `json:"model_name"`
	TotalNodes  int    `json:"total_nodes"`
	Pending     int    `json:"pending"`
	Downloading int    `json:"downloading"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

// LoadedModels handles GET /api/models/loaded.
func LoadedModels(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		byModel := make(map[string]*loadedModelSummary)
		for _, task := range d.Tasks.List() {
			s := byModel[task.Model]
			if s == nil {
				s = &loadedModelSummary{ModelName: task.Model}
				byModel[task.Model] = s
			}
			s.TotalNodes++
			switch task.Status {
			case datatypes.DownloadPending:
				s.Pending++
			case datatypes.DownloadInProgress:
				s.Downloading++
			case datatypes.DownloadCompleted:
				s.Completed++
			case datatypes.DownloadFailed:
				s.Failed++
			}
		}

		summaries := make([]loadedModelSummary, 0, len(byModel))
		for _, s := range byModel {
			summaries = append(summaries, *s)
		}
		sort.Slice(summaries, func(i, j int) bool {
			return summaries[i].ModelName < summaries[j].ModelName
		})
		c.JSON(http.StatusOK, gin.H{"models": summaries})
	}
}

// distributeRequest asks for a model on all nodes or one node.
type distributeRequest struct {
	Model  string     `json:"model" binding:"required"`
	Target string     `json:"target" binding:"required,oneof=all specific"`
	NodeID *uuid.UUID `json:"node_id,omitempty"`
}

// DistributeModel handles POST /api/models/distribute.
//
// # Description
//
// Creates one download task per target node and fans out pull RPCs in
// the background. Targeting an offline node is refused up front rather
// than letting the pull time out. 202 with the created task ids.
func DistributeModel(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req distributeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid distribute request: %v", err))
			return
		}
		if err := validateModelName(req.Model); err != nil {
			renderError(c, err)
			return
		}

		var targets []datatypes.Node
		switch req.Target {
		case "specific":
			if req.NodeID == nil {
				renderError(c, apperr.Validation("node_id is required when target is \"specific\""))
				return
			}
			node, err := d.Registry.Get(*req.NodeID)
			if err != nil {
				renderError(c, err)
				return
			}
			if node.Status != datatypes.NodeOnline {
				renderError(c, apperr.New(apperr.KindUnavailable,
					"node %s is offline", node.MachineName))
				return
			}
			targets = []datatypes.Node{node}
		default: // all
			for _, node := range d.Registry.List() {
				if node.Status == datatypes.NodeOnline {
					targets = append(targets, node)
				}
			}
			if len(targets) == 0 {
				renderError(c, apperr.New(apperr.KindUnavailable, "no online nodes to distribute to"))
				return
			}
		}

		downloadURL, path := d.catalogSource(req.Model)
		taskIDs := make([]uuid.UUID, 0, len(targets))
		for _, node := range targets {
			task := d.Tasks.Create(node.ID, req.Model)
			taskIDs = append(taskIDs, task.ID)
			d.countDownloadTask(string(datatypes.DownloadPending))
			slog.Info("model distribution started",
				"model", req.Model, "node_id", node.ID, "task_id", task.ID)
			go d.sendPullRequest(node, req.Model, task.ID, downloadURL, path)
		}
		c.JSON(http.StatusAccepted, gin.H{"task_ids": taskIDs})
	}
}

// catalogSource looks up the download location for a model. Unknown
// models get nils; the worker then resolves the name itself.
func (d *Deps) catalogSource(model string) (downloadURL, path *string) {
	info, err := d.Catalog.Get(model)
	if err != nil {
		return nil, nil
	}
	return info.DownloadURL, info.Path
}

// NodeModels handles GET /api/nodes/:id/models.
func NodeModels(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid node id: %s", c.Param("id")))
			return
		}
		node, err := d.Registry.Get(id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"node_id":       node.ID,
			"loaded_models": node.LoadedModels,
			"tasks":         d.Tasks.ListByNode(node.ID),
		})
	}
}

// pullRequest asks one node to fetch one model.
type pullRequest struct {
	Model string `json:"model" binding:"required"`
}

// PullModel handles POST /api/nodes/:id/models/pull.
func PullModel(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid node id: %s", c.Param("id")))
			return
		}

		var req pullRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid pull request: %v", err))
			return
		}
		if err := validateModelName(req.Model); err != nil {
			renderError(c, err)
			return
		}

		node, err := d.Registry.Get(id)
		if err != nil {
			renderError(c, err)
			return
		}
		if node.Status != datatypes.NodeOnline {
			renderError(c, apperr.New(apperr.KindUnavailable,
				"node %s is offline", node.MachineName))
			return
		}

		task := d.Tasks.Create(node.ID, req.Model)
		d.countDownloadTask(string(datatypes.DownloadPending))
		downloadURL, path := d.catalogSource(req.Model)
		go d.sendPullRequest(node, req.Model, task.ID, downloadURL, path)

		c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID})
	}
}

// ListTasks handles GET /api/tasks.
func ListTasks(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Tasks.List())
	}
}

// GetTask handles GET /api/tasks/:id.
func GetTask(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid task id: %s", c.Param("id")))
			return
		}
		task, err := d.Tasks.Get(id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

// progressUpdate is the worker's callback payload for one task.
type progressUpdate struct {
	Progress float64  `json:"progress"`
	SpeedBPS *float64 `json:"speed_bps,omitempty"`
	Error    *string  `json:"error,omitempty"`
}

// UpdateTaskProgress handles POST /api/tasks/:id/progress (agent auth).
//
// # Description
//
// A non-nil error marks the task failed. Progress reaching 1.0 marks it
// completed and promotes the model into the node's loaded set.
func UpdateTaskProgress(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			renderError(c, apperr.Validation("Invalid task id: %s", c.Param("id")))
			return
		}

		var req progressUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.Validation("Invalid progress payload: %v", err))
			return
		}

		if req.Error != nil && *req.Error != "" {
			task, err := d.Tasks.MarkFailed(id, *req.Error)
			if err != nil {
				renderError(c, err)
				return
			}
			d.countDownloadTask(string(datatypes.DownloadFailed))
			slog.Warn("model download failed",
				"task_id", task.ID, "node_id", task.NodeID, "model", task.Model, "error", *req.Error)
			c.JSON(http.StatusOK, task)
			return
		}

		task, err := d.Tasks.UpdateProgress(id, req.Progress, req.SpeedBPS)
		if err != nil {
			renderError(c, err)
			return
		}

		if task.Status == datatypes.DownloadCompleted {
			d.countDownloadTask(string(datatypes.DownloadCompleted))
			if err := d.Registry.MarkModelLoaded(task.NodeID, task.Model); err != nil {
				slog.Warn("failed to record loaded model",
					"node_id", task.NodeID, "model", task.Model, "error", err)
			}
			slog.Info("model download completed",
				"task_id", task.ID, "node_id", task.NodeID, "model", task.Model)
		}
		c.JSON(http.StatusOK, task)
	}
}
