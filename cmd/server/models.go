package main

import (
	"time"

	"github.com/quoteline/rating/rating"
)

// API Request and Response Models

// CreateVersionRequest represents the request body for creating a draft version
type CreateVersionRequest struct {
	Version               int                 `json:"version" example:"1" binding:"required"`
	FinalPremiumFieldCode string              `json:"finalPremiumFieldCode" example:"premium" binding:"required"`
	Steps                 []rating.RatingStep `json:"steps,omitempty"`
} // @name CreateVersionRequest

// UpdateStepsRequest represents the request body for replacing a version's step set
type UpdateStepsRequest struct {
	Steps                 []rating.RatingStep `json:"steps" binding:"required"`
	FinalPremiumFieldCode string              `json:"finalPremiumFieldCode,omitempty" example:"premium"`
} // @name UpdateStepsRequest

// TransitionRequest represents the request body for a lifecycle transition.
// KnownTables enables the table existence check when publishing; nil skips it.
type TransitionRequest struct {
	Status      rating.VersionStatus `json:"status" example:"pending_review" binding:"required"`
	KnownTables []string             `json:"knownTables,omitempty" example:"tv-territory"`
} // @name TransitionRequest

// ValidateRequest represents the request body for a validation run.
// KnownTables enables the table existence check; nil skips it.
type ValidateRequest struct {
	KnownTables []string `json:"knownTables,omitempty" example:"tv-territory"`
} // @name ValidateRequest

// EvaluateRequest represents the request body for evaluating a version
type EvaluateRequest struct {
	Inputs        map[string]any                   `json:"inputs"`
	State         string                           `json:"state" example:"NY"`
	EffectiveDate time.Time                        `json:"effectiveDate,omitempty" example:"2026-01-01T00:00:00Z"`
	Tables        map[string]*rating.TableSnapshot `json:"tables,omitempty"`
} // @name EvaluateRequest

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"version not found"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
} // @name HealthResponse
