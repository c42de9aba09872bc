package protocol

// Environment variable names the orchestrator injects into the agent exec.
// The agent binary reads these to bind its run; cmd/mock-agent honors the
// same contract.
const (
	EnvAPIKey        = "ANTHROPIC_API_KEY"
	EnvTaskID        = "TASK_ID"
	EnvSessionID     = "SESSION_ID"
	EnvProjectID     = "PROJECT_ID"
	EnvPrompt        = "AGENT_PROMPT"
	EnvPhase         = "AGENT_PHASE"
	EnvModel         = "AGENT_MODEL"
	EnvMaxTurns      = "AGENT_MAX_TURNS"
	EnvAllowedTools  = "AGENT_ALLOWED_TOOLS"
	EnvStopFile      = "AGENT_STOP_FILE"
	EnvResumeSession = "CLAUDE_RESUME_SESSION"
	EnvResumePrompts = "AGENT_RESUME_PROMPTS"
)

// Run phases.
const (
	PhasePlan    = "plan"
	PhaseExecute = "execute"
)
