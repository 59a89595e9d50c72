// Package build orchestrates multi-agent builds through a fixed phase
// machine, from a natural-language request to a set of generated files.
package build

import (
	"buildforge/internal/ai"
)

// Phase is one stage of the build state machine. Phases always advance in
// declaration order; there are no skips or loops.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhasePlanning     Phase = "planning"
	PhaseArchitecture Phase = "architecture"
	PhaseCoding       Phase = "coding"
	PhaseTesting      Phase = "testing"
	PhaseReview       Phase = "review"
	PhaseOptimization Phase = "optimization"
	PhaseComplete     Phase = "complete"
)

var phaseOrder = []Phase{
	PhaseInitializing,
	PhasePlanning,
	PhaseArchitecture,
	PhaseCoding,
	PhaseTesting,
	PhaseReview,
	PhaseOptimization,
	PhaseComplete,
}

// phaseProgress is the build progress percentage once a phase completes.
var phaseProgress = map[Phase]int{
	PhaseInitializing: 5,
	PhasePlanning:     20,
	PhaseArchitecture: 35,
	PhaseCoding:       65,
	PhaseTesting:      80,
	PhaseReview:       90,
	PhaseOptimization: 97,
	PhaseComplete:     100,
}

// AgentRole is the specialty of the agent assigned to a task.
type AgentRole string

const (
	RolePlanner   AgentRole = "planner"
	RoleArchitect AgentRole = "architect"
	RoleFrontend  AgentRole = "frontend"
	RoleBackend   AgentRole = "backend"
	RoleDatabase  AgentRole = "database"
	RoleTester    AgentRole = "tester"
	RoleReviewer  AgentRole = "reviewer"
	RoleOptimizer AgentRole = "optimizer"
)

// Power modes trade cost for model quality.
const (
	PowerFast     = "fast"
	PowerBalanced = "balanced"
	PowerMax      = "max"
)

// StartRequest is the input for starting a build.
type StartRequest struct {
	UserID      string      `json:"-"`
	ProjectName string      `json:"project_name"`
	Request     string      `json:"request" binding:"required"`
	PowerMode   string      `json:"power_mode"`
	Provider    ai.Provider `json:"provider,omitempty"`
}

// taskSpec describes one agent task within a phase.
type taskSpec struct {
	role       AgentRole
	capability ai.Capability
}

// phaseTasks maps each working phase to the agents it spawns. Initializing
// and complete are bookkeeping phases with no AI work.
var phaseTasks = map[Phase][]taskSpec{
	PhasePlanning:     {{RolePlanner, ai.CapabilityPlanning}},
	PhaseArchitecture: {{RoleArchitect, ai.CapabilityArchitecture}},
	PhaseCoding: {
		{RoleFrontend, ai.CapabilityCodeGeneration},
		{RoleBackend, ai.CapabilityCodeGeneration},
		{RoleDatabase, ai.CapabilityCodeGeneration},
	},
	PhaseTesting:      {{RoleTester, ai.CapabilityTesting}},
	PhaseReview:       {{RoleReviewer, ai.CapabilityCodeReview}},
	PhaseOptimization: {{RoleOptimizer, ai.CapabilityRefactoring}},
}

// buildState accumulates phase outputs that later phases consume.
type buildState struct {
	plan         string
	architecture string
	code         map[AgentRole]string
}

func newBuildState() *buildState {
	return &buildState{code: make(map[AgentRole]string)}
}
