package server

import (
	"encoding/json"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/jobs"
)

// Request payloads

type DevLoginRequest struct {
	Login string `json:"login"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Login  string `json:"login"`
	Source string `json:"source"`
}

type StagingSummary struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	State      domain.AggregateState `json:"state" enum:"empty,review,acceptable,unacceptable"`
	Requests   []string              `json:"requests"`
	CreatedAt  string                `json:"created_at" format:"date-time"`
}

type StagingStatusResponse struct {
	StagingSummary
	Blocking []string          `json:"blocking"`
	Details  []RequestResponse `json:"details"`
}

type RequestResponse struct {
	domain.StagedRequest
	Blocking bool `json:"blocking"`
}

type AcceptResponse struct {
	Project string                `json:"project"`
	State   domain.AggregateState `json:"state,omitempty" enum:"empty,review,acceptable,unacceptable"`
	Job     *jobs.Job             `json:"job,omitempty"`
	// Created is false when an identical job was already pending.
	Created bool `json:"created,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func stagingSummary(sp domain.StagingProject, state domain.AggregateState) StagingSummary {
	return StagingSummary{
		ID:         sp.ID,
		WorkflowID: sp.WorkflowID,
		State:      state,
		Requests:   nonNilSlice(sp.Requests),
		CreatedAt:  sp.CreatedAt,
	}
}

func stagingStatusResponse(st engine.StagingStatus) StagingStatusResponse {
	res := StagingStatusResponse{
		StagingSummary: stagingSummary(st.Project, st.State),
		Blocking:       []string{},
		Details:        make([]RequestResponse, 0, len(st.Requests)),
	}
	for _, req := range st.Requests {
		r := requestResponse(req)
		if r.Blocking {
			res.Blocking = append(res.Blocking, req.ID)
		}
		res.Details = append(res.Details, r)
	}
	return res
}

func requestResponse(req domain.StagedRequest) RequestResponse {
	req.Actions = nonNilSlice(req.Actions)
	req.Reviews = nonNilSlice(req.Reviews)
	return RequestResponse{StagedRequest: req, Blocking: engine.IsBlocking(req)}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
