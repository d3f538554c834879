package server

import (
	"shopline/internal/domain"
)

// Request payloads

type AddMachineRequest struct {
	ID      string `json:"machineSN"`
	Area    string `json:"area,omitempty"`
	Name    string `json:"machineName,omitempty"`
	Process string `json:"processName,omitempty"`
}

type ImportRequest struct {
	Orders []domain.ProductionSchedule `json:"orders"`
}

// Responses

type ScheduleResponse struct {
	Area    string                  `json:"area"`
	Records []domain.ExternalRecord `json:"records"`
}

type MachineList struct {
	Items []domain.Machine `json:"items"`
}

type DeleteResponse struct {
	Success bool `json:"success"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
