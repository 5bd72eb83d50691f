package workflow

// LegacyStage is one step in a hard-coded fallback sequence. The agent type
// equals the stage name: legacy workflows predate per-platform definitions,
// and their agents were deployed one per stage.
type LegacyStage struct {
	Name      string
	AgentType string
}

// legacySequences keys fallback stage sequences by workflow type. Workflows
// without a resolvable definition advance through these in order.
var legacySequences = map[string][]LegacyStage{
	"app": {
		{Name: "initialization", AgentType: "initialization"},
		{Name: "scaffolding", AgentType: "scaffolding"},
		{Name: "validation", AgentType: "validation"},
		{Name: "e2e", AgentType: "e2e"},
		{Name: "integration", AgentType: "integration"},
		{Name: "deployment", AgentType: "deployment"},
	},
	"bugfix": {
		{Name: "initialization", AgentType: "initialization"},
		{Name: "reproduction", AgentType: "reproduction"},
		{Name: "validation", AgentType: "validation"},
		{Name: "deployment", AgentType: "deployment"},
	},
}

// defaultLegacySequence serves workflow types with no dedicated sequence.
var defaultLegacySequence = []LegacyStage{
	{Name: "initialization", AgentType: "initialization"},
	{Name: "validation", AgentType: "validation"},
	{Name: "deployment", AgentType: "deployment"},
}

// LegacySequence returns the fallback stage sequence for a workflow type.
func LegacySequence(workflowType string) []LegacyStage {
	if seq, ok := legacySequences[workflowType]; ok {
		return seq
	}
	return defaultLegacySequence
}
