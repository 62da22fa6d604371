package schemas

// Role selects which of the three cognitive roles a prompt is issued for,
// and therefore which model tier the LLM router dispatches to.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleExecutor  Role = "executor"
	RoleReflector Role = "reflector"
)

// PlannerReply is the expected structured reply to a planning prompt (§4.5).
type PlannerReply struct {
	Thought         string         `json:"thought"`
	GraphOperations []GraphCommand `json:"graph_operations"`
	GoalAchieved    bool           `json:"goal_achieved"`
}

// ExecutionOperation is one proposed tool invocation from the Executor Driver.
type ExecutionOperation struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
	NodeID string                 `json:"node_id,omitempty"`
}

// ExecutorReply is the expected structured reply to an executor-step prompt (§4.6).
type ExecutorReply struct {
	Thought             string                `json:"thought"`
	ExecutionOperations []ExecutionOperation  `json:"execution_operations,omitempty"`
	IsSubtaskComplete   bool                  `json:"is_subtask_complete"`
	Summary             string                `json:"summary,omitempty"`
	StagedCausalNodes   []CausalNode          `json:"staged_causal_nodes,omitempty"`
}

// AuditResult is the Reflector's verdict on a finished subtask.
type AuditResult struct {
	Status          string   `json:"status"` // passed | failed | inconclusive
	CompletionCheck string   `json:"completion_check"`
	LogicIssues     []string `json:"logic_issues,omitempty"`
}

// FailureAttribution is the Reflector's assignment of a failure level.
type FailureAttribution struct {
	Level     FailureLevel `json:"level"`
	Rationale string       `json:"rationale"`
}

// ReflectorReply is the expected structured reply to a reflection prompt (§4.7).
type ReflectorReply struct {
	AuditResult              AuditResult          `json:"audit_result"`
	CausalGraphUpdates       []GraphCommand       `json:"causal_graph_updates,omitempty"`
	FailureAttribution       *FailureAttribution  `json:"failure_attribution,omitempty"`
	GlobalMissionAccomplished bool                `json:"global_mission_accomplished"`
	AttackIntelligence       string               `json:"attack_intelligence,omitempty"`
}

// GenerationRequest is the role-parameterized request accepted by the LLM router.
type GenerationRequest struct {
	Role         Role
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	TopP         float32
	TopK         int
	MaxTokens    int
}
