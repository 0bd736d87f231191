package translator

// Format identifiers used by this proxy. FormatKiro is the upstream wire
// schema; the other three are the client-facing protocols named in spec.md §6.
const (
	FormatOpenAI Format = "openai"
	FormatClaude Format = "claude"
	FormatGemini Format = "gemini"
	FormatKiro   Format = "kiro"
)
