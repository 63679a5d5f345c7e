package server

import (
	"storyline/internal/domain"
)

// Request payloads

type StartProjectRequest struct {
	ID              string `json:"id,omitempty"`
	Theme           string `json:"theme" minLength:"1"`
	Style           string `json:"style,omitempty"`
	Chapters        int    `json:"chapters,omitempty" minimum:"0" maximum:"15"`
	WordsPerChapter int    `json:"words_per_chapter,omitempty" minimum:"0" maximum:"3000"`
	Mode            string `json:"mode,omitempty" enum:"automatic,human_reviewed"`
	// Run starts driving the project right away; defaults to true.
	Run *bool `json:"run,omitempty"`
}

type SubmitDecisionRequest struct {
	Choice string `json:"choice" example:"draft:3f1c"`
}

// Response payloads

// ProjectResponse is the project checkpoint plus whether this process is
// driving it.
type ProjectResponse struct {
	domain.Project
	Active bool `json:"active"`
}

type ProjectList struct {
	Items []ProjectResponse `json:"items"`
}

type PendingDecisionResponse struct {
	Decision *domain.Decision `json:"decision"`
}

type DecisionList struct {
	Items []domain.Decision `json:"items"`
}

type ArtifactList struct {
	Items []domain.Artifact `json:"items"`
}

type FactList struct {
	Items []domain.FactEntry `json:"items"`
}

type ConflictList struct {
	Items []domain.ConflictReport `json:"items"`
}

type EventPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func (a *api) projectResponse(p domain.Project) ProjectResponse {
	if p.Completed == nil {
		p.Completed = []domain.ArtifactRef{}
	}
	return ProjectResponse{Project: p, Active: a.runner.Active(p.ID)}
}
