package realtime

// Defaults applied when a session template leaves a field empty.
const (
	DefaultModel      = "gpt-realtime-2025-08-28"
	DefaultVoice      = "marin"
	DefaultToolChoice = "auto"

	// Telephony audio is narrowband G.711 µ-law unless configured otherwise.
	DefaultTelephonyFormat = FormatPCMU
	DefaultTelephonyRate   = 8000
)

// SessionTemplate carries everything needed to build the session payload sent
// to the model right after the websocket opens. The zero value builds a
// usable telephony session.
type SessionTemplate struct {
	Instructions string
	Voice        string
	ToolChoice   string

	// Tools holds tool schema objects, MCPServers mcp_server_connections
	// entries, both in their wire shape.
	Tools      []any
	MCPServers []any

	InputFormat  string
	InputRate    int
	OutputFormat string
	OutputRate   int

	// Transcription and TurnDetection are raw wire objects; nil omits them.
	Transcription map[string]any
	TurnDetection map[string]any

	// NoiseReduction is near_field or far_field; empty omits the field.
	NoiseReduction string

	// Eagerness applies to semantic VAD turn detection. When TurnDetection
	// is nil and Eagerness is set, a semantic_vad config is synthesized.
	Eagerness string
}

// Build assembles and sanitizes the session payload. The result is safe to
// hand to Sanitize again or to merge observer-saved configuration over.
func (t SessionTemplate) Build() map[string]any {
	session := map[string]any{
		"type":        "realtime",
		"tool_choice": defaultString(t.ToolChoice, DefaultToolChoice),
	}
	if t.Instructions != "" {
		session["instructions"] = t.Instructions
	}
	if len(t.Tools) > 0 {
		session["tools"] = t.Tools
	}
	if len(t.MCPServers) > 0 {
		session["mcp_server_connections"] = t.MCPServers
	}

	input := map[string]any{
		"format": formatObject(t.InputFormat, t.InputRate),
	}
	if t.Transcription != nil {
		input["transcription"] = t.Transcription
	}
	if t.NoiseReduction != "" {
		input["noise_reduction"] = map[string]any{"type": t.NoiseReduction}
	}
	if td := t.turnDetection(); td != nil {
		input["turn_detection"] = td
	}

	output := map[string]any{
		"format": formatObject(t.OutputFormat, t.OutputRate),
		"voice":  defaultString(t.Voice, DefaultVoice),
	}

	session["audio"] = map[string]any{
		"input":  input,
		"output": output,
	}
	return Sanitize(session)
}

// turnDetection resolves the turn detection object, synthesizing a
// semantic_vad config when only an eagerness was given.
func (t SessionTemplate) turnDetection() map[string]any {
	if t.TurnDetection == nil {
		if t.Eagerness == "" {
			return nil
		}
		return map[string]any{
			"type":      "semantic_vad",
			"eagerness": t.Eagerness,
		}
	}
	td := cloneMap(t.TurnDetection)
	if typ, _ := td["type"].(string); typ == "semantic_vad" && t.Eagerness != "" {
		if _, ok := td["eagerness"]; !ok {
			td["eagerness"] = t.Eagerness
		}
	}
	return td
}

// formatObject builds the canonical wire object for a format name, falling
// back to the telephony default for empty or unknown names. G.711 formats
// have a fixed rate; audio/pcm carries an explicit one.
func formatObject(name string, rate int) map[string]any {
	canonical, ok := CanonicalFormat(name)
	if !ok {
		canonical = DefaultTelephonyFormat
	}
	obj := map[string]any{"type": canonical}
	if canonical == FormatPCM {
		if rate <= 0 {
			rate = formatSpecs[FormatPCM].SampleRate
		}
		obj["rate"] = rate
	}
	return obj
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
