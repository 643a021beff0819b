package domain

import (
	"context"
	"time"
)

// RunStatus tracks the lifecycle of a tracking run.
type RunStatus string

// Run statuses recorded in the catalog.
const (
	RunStatusPending  RunStatus = "pending"
	RunStatusSolved   RunStatus = "solved"
	RunStatusFailed   RunStatus = "failed"
	RunStatusImported RunStatus = "imported"
)

// SolverParams are the knobs handed to an external tracking solver.
type SolverParams struct {
	MaxEdgeDistance   float64  `json:"max_edge_distance" yaml:"max_edge_distance" validate:"gt=0"`
	MaxChildren       int      `json:"max_children" yaml:"max_children" validate:"min=1,max=2"`
	AppearCost        *float64 `json:"appear_cost,omitempty" yaml:"appear_cost,omitempty"`
	DivisionCost      *float64 `json:"division_cost,omitempty" yaml:"division_cost,omitempty"`
	DistanceCost      *float64 `json:"distance_cost,omitempty" yaml:"distance_cost,omitempty"`
	IoUCost           *float64 `json:"iou_cost,omitempty" yaml:"iou_cost,omitempty"`
	EdgeSelectionCost *float64 `json:"edge_selection_cost,omitempty" yaml:"edge_selection_cost,omitempty"`
}

// DefaultSolverParams mirrors the defaults offered to users before a solve.
func DefaultSolverParams() SolverParams {
	appear, division, distance := 30.0, 20.0, 1.0
	return SolverParams{
		MaxEdgeDistance: 50,
		MaxChildren:     2,
		AppearCost:      &appear,
		DivisionCost:    &division,
		DistanceCost:    &distance,
	}
}

// SolverInput is either a set of points or a dense segmentation.
type SolverInput struct {
	Points []Detection
	// Shape and Labels describe a dense label array of shape (time, ...spatial).
	Shape    []int
	Labels   []uint64
	Metadata Metadata
}

// SolverOutput is the graph produced by a solver.
type SolverOutput struct {
	Detections []Detection
	Links      []Link
	// Gaps reports optimality gaps observed while solving.
	Gaps []float64
}

// Solver is the boundary to an external tracking optimizer.
type Solver interface {
	Solve(ctx context.Context, params SolverParams, input SolverInput) (SolverOutput, error)
}

// RunRecord indexes a saved tracking run.
type RunRecord struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Prefix    string       `json:"prefix"`
	Status    RunStatus    `json:"status"`
	Params    SolverParams `json:"params"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RunCatalog is the durable index of saved runs.
type RunCatalog interface {
	PutRun(ctx context.Context, run RunRecord) (RunRecord, error)
	GetRun(ctx context.Context, id string) (RunRecord, error)
	ListRuns(ctx context.Context) ([]RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	Close() error
}
