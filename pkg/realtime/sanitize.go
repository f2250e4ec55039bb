package realtime

// Canonical audio format names. Every accepted alias collapses to one of
// these; byte accounting for truncation is derived from them.
const (
	FormatPCM  = "audio/pcm"
	FormatPCMU = "audio/pcmu"
	FormatPCMA = "audio/pcma"
)

// audioFormatAliases maps accepted format spellings, current and legacy, to
// their canonical names. Kept as a data table so the mapping is trivially
// testable and extendable.
var audioFormatAliases = map[string]string{
	FormatPCM:  FormatPCM,
	FormatPCMU: FormatPCMU,
	FormatPCMA: FormatPCMA,

	"pcm":      FormatPCM,
	"pcm16":    FormatPCM,
	"linear16": FormatPCM,

	"pcmu":          FormatPCMU,
	"ulaw":          FormatPCMU,
	"mulaw":         FormatPCMU,
	"g711_ulaw":     FormatPCMU,
	"audio/x-mulaw": FormatPCMU,

	"pcma":         FormatPCMA,
	"alaw":         FormatPCMA,
	"g711_alaw":    FormatPCMA,
	"audio/x-alaw": FormatPCMA,
}

// vadEagerness enumerates the accepted semantic VAD eagerness values.
var vadEagerness = map[string]struct{}{
	"auto":   {},
	"low":    {},
	"medium": {},
	"high":   {},
}

// FormatSpec is the byte accounting for a canonical audio format: how many
// bytes one sample occupies and how many samples one second holds.
type FormatSpec struct {
	SampleRate     int
	BytesPerSample int
}

// formatSpecs maps canonical formats to their default accounting. G.711
// formats are fixed narrowband; audio/pcm defaults to the API's 24 kHz.
var formatSpecs = map[string]FormatSpec{
	FormatPCMU: {SampleRate: 8000, BytesPerSample: 1},
	FormatPCMA: {SampleRate: 8000, BytesPerSample: 1},
	FormatPCM:  {SampleRate: 24000, BytesPerSample: 2},
}

// CanonicalFormat maps an audio format name or alias to its canonical name.
// Canonical names map to themselves. ok is false for unknown aliases.
func CanonicalFormat(name string) (canonical string, ok bool) {
	canonical, ok = audioFormatAliases[name]
	return canonical, ok
}

// SpecFor returns the [FormatSpec] for a format name or alias. sampleRate
// overrides the format's default rate when positive.
func SpecFor(name string, sampleRate int) (FormatSpec, bool) {
	canonical, ok := CanonicalFormat(name)
	if !ok {
		return FormatSpec{}, false
	}
	spec := formatSpecs[canonical]
	if sampleRate > 0 {
		spec.SampleRate = sampleRate
	}
	return spec, true
}

// DurationMs converts a byte count to whole milliseconds of audio under this
// spec, rounding down.
func (s FormatSpec) DurationMs(bytes uint64) int64 {
	bytesPerSecond := int64(s.BytesPerSample) * int64(s.SampleRate)
	if bytesPerSecond <= 0 {
		return 0
	}
	return int64(bytes) * 1000 / bytesPerSecond
}

// legacyAudioFields maps flat legacy session fields to their home inside the
// nested audio structure.
var legacyAudioFields = []struct {
	flat    string
	section string // "input" or "output"
	key     string
}{
	{"input_audio_format", "input", "format"},
	{"output_audio_format", "output", "format"},
	{"input_audio_transcription", "input", "transcription"},
	{"input_audio_noise_reduction", "input", "noise_reduction"},
	{"voice", "output", "voice"},
	{"turn_detection", "input", "turn_detection"},
}

// Sanitize normalizes a session payload on its way toward the model. It is a
// pure function: the input map is never mutated, and applying Sanitize twice
// yields the same result as applying it once.
//
// Rules:
//   - "type" defaults to "realtime".
//   - "modalities" is deleted; empty "mcp_server_connections" arrays are deleted.
//   - Flat legacy fields fold into the nested "audio" structure; an already
//     present nested value wins over its legacy counterpart.
//   - "max_output_tokens" is renamed to "max_response_output_tokens".
//   - Audio formats collapse to canonical {"type": ...} objects, keeping a
//     positive audio/pcm rate; unknown aliases drop the format field.
//   - semantic_vad turn detection gets its eagerness coerced into
//     auto|low|medium|high and create_response/interrupt_response defaulted
//     to true.
func Sanitize(session map[string]any) map[string]any {
	out := cloneMap(session)
	if out == nil {
		out = map[string]any{}
	}

	if t, _ := out["type"].(string); t == "" {
		out["type"] = "realtime"
	}

	delete(out, "modalities")

	if arr, ok := out["mcp_server_connections"].([]any); ok && len(arr) == 0 {
		delete(out, "mcp_server_connections")
	}

	for _, f := range legacyAudioFields {
		v, ok := out[f.flat]
		if !ok {
			continue
		}
		delete(out, f.flat)
		audio := subMap(out, "audio")
		section := subMap(audio, f.section)
		if _, exists := section[f.key]; !exists {
			section[f.key] = v
		}
	}

	if v, ok := out["max_output_tokens"]; ok {
		delete(out, "max_output_tokens")
		if _, exists := out["max_response_output_tokens"]; !exists {
			out["max_response_output_tokens"] = v
		}
	}

	if audio, ok := out["audio"].(map[string]any); ok {
		if input, ok := audio["input"].(map[string]any); ok {
			normalizeFormatField(input)
			normalizeTurnDetection(input)
		}
		if output, ok := audio["output"].(map[string]any); ok {
			normalizeFormatField(output)
		}
	}

	return out
}

// normalizeFormatField rewrites section["format"] to the canonical
// {"type": ...} object, or removes it when the alias is unknown. A positive
// rate survives for audio/pcm only; the G.711 formats are fixed narrowband
// and take no rate on the wire.
func normalizeFormatField(section map[string]any) {
	v, ok := section["format"]
	if !ok {
		return
	}

	var name string
	var rate int
	switch f := v.(type) {
	case string:
		name = f
	case map[string]any:
		name, _ = f["type"].(string)
		rate = intValue(f["rate"])
	default:
		delete(section, "format")
		return
	}

	canonical, ok := CanonicalFormat(name)
	if !ok {
		delete(section, "format")
		return
	}
	format := map[string]any{"type": canonical}
	if canonical == FormatPCM && rate > 0 {
		format["rate"] = rate
	}
	section["format"] = format
}

// intValue reads a JSON-shaped number: decoded documents carry float64,
// in-process maps may hold int.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// normalizeTurnDetection applies the semantic_vad normalization rules to
// section["turn_detection"] when present.
func normalizeTurnDetection(section map[string]any) {
	td, ok := section["turn_detection"].(map[string]any)
	if !ok {
		return
	}
	if t, _ := td["type"].(string); t != "semantic_vad" {
		return
	}

	if raw, ok := td["eagerness"]; ok {
		eagerness, _ := raw.(string)
		if _, valid := vadEagerness[eagerness]; !valid {
			eagerness = "auto"
		}
		td["eagerness"] = eagerness
	}
	if _, ok := td["create_response"]; !ok {
		td["create_response"] = true
	}
	if _, ok := td["interrupt_response"]; !ok {
		td["interrupt_response"] = true
	}
}

// MergeSession deep-merges overlay into base and returns a new map; neither
// input is mutated. Nested maps merge recursively, everything else (scalars,
// arrays) is replaced by the overlay value.
func MergeSession(base, overlay map[string]any) map[string]any {
	out := cloneMap(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, ov := range overlay {
		bm, baseIsMap := out[k].(map[string]any)
		om, overlayIsMap := ov.(map[string]any)
		if baseIsMap && overlayIsMap {
			out[k] = MergeSession(bm, om)
			continue
		}
		out[k] = cloneValue(ov)
	}
	return out
}

// subMap returns m[key] as a map, creating it when absent or of another type.
func subMap(m map[string]any, key string) map[string]any {
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	sub := map[string]any{}
	m[key] = sub
	return sub
}

// cloneMap deep-copies a JSON-shaped map.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies a JSON-shaped value (maps, slices, scalars).
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
