package argmap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/geppetto/pkg/inference/engine"
	"github.com/go-go-golems/geppetto/pkg/turns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// MaxSummaryLength bounds the fallback summary derived from the raw
	// message when the model does not provide one.
	MaxSummaryLength = 100

	// ConfidenceThreshold is the score below which a classification is
	// flagged as low confidence. The node is still recorded.
	ConfidenceThreshold = 0.5

	validationPenalty = 0.8
)

const analysisSystemPrompt = "You are an AI that analyzes arguments and discussion points. " +
	"You must always return valid JSON. If you cannot analyze the message, return a default JSON structure."

// ContextTurn is one prior turn handed to the classifier as conversation
// context.
type ContextTurn struct {
	Speaker    string
	Transcript string
}

// Mapper classifies discussion turns into argument nodes and maintains the
// resulting graph. Classification never fails outward; any model or decode
// error produces a fallback node with zero confidence.
type Mapper struct {
	graph *Graph
	eng   engine.Engine
}

func NewMapper(eng engine.Engine) *Mapper {
	return &Mapper{
		graph: NewGraph(),
		eng:   eng,
	}
}

func (m *Mapper) Graph() *Graph {
	return m.graph
}

type rawAnalysis struct {
	Type       string          `json:"type"`
	Summary    string          `json:"summary"`
	Targets    json.RawMessage `json:"targets"`
	Topic      string          `json:"topic"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

// AnalyzeMessage classifies one turn against the conversation so far and
// records the resulting node and its edges. It returns the node and the
// confidence score after validation penalties.
func (m *Mapper) AnalyzeMessage(ctx context.Context, turnID int, message, speaker string, contextTurns []ContextTurn) (ArgumentNode, float64) {
	prompt := buildAnalysisPrompt(message, speaker, contextTurns, m.graph.ContextString())

	analysis, err := m.callModel(ctx, prompt)
	if err != nil {
		log.Error().Err(err).Int("turn_id", turnID).Msg("argument analysis failed")
		return m.fallbackNode(turnID, message, speaker), 0.0
	}

	targets, confidence := validateAnalysis(analysis, turnID)

	summary := analysis.Summary
	if summary == "" {
		summary = summaryPrefix(message)
	}
	typ, _ := ParseArgumentType(analysis.Type)

	node := ArgumentNode{
		TurnID:    turnID,
		Type:      typ,
		Summary:   summary,
		Speaker:   speaker,
		Topic:     analysis.Topic,
		Timestamp: time.Now(),
	}
	m.graph.UpsertNode(node)
	for _, target := range targets {
		m.graph.AddEdge(turnID, target, typ)
	}

	return node, confidence
}

func (m *Mapper) callModel(ctx context.Context, prompt string) (*rawAnalysis, error) {
	t := &turns.Turn{}
	turns.AppendBlock(t, turns.NewSystemTextBlock(analysisSystemPrompt))
	turns.AppendBlock(t, turns.NewUserTextBlock(prompt))

	res, err := m.eng.RunInference(ctx, t)
	if err != nil {
		return nil, errors.Wrap(err, "run inference")
	}
	text := lastAssistantText(res)
	if text == "" {
		return nil, errors.New("empty model response")
	}

	var analysis rawAnalysis
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &analysis); err != nil {
		return nil, errors.Wrap(err, "decode analysis response")
	}
	return &analysis, nil
}

// validateAnalysis normalizes the model output in place and returns the
// accepted targets and the confidence after penalties. Each malformed field
// multiplies confidence by the penalty factor.
func validateAnalysis(analysis *rawAnalysis, turnID int) ([]int, float64) {
	confidence := analysis.Confidence

	targets, ok := decodeTargets(analysis.Targets)
	if !ok {
		log.Warn().Int("turn_id", turnID).Msg("invalid targets format in analysis")
		targets = nil
		confidence *= validationPenalty
	}

	if confidence < ConfidenceThreshold {
		log.Warn().Float64("confidence", confidence).Int("turn_id", turnID).Msg("low confidence analysis")
	}

	if _, ok := ParseArgumentType(analysis.Type); !ok {
		log.Warn().Str("type", analysis.Type).Int("turn_id", turnID).Msg("invalid argument type in analysis")
		analysis.Type = string(TypeClaim)
		confidence *= validationPenalty
	}

	return targets, confidence
}

// decodeTargets accepts absent or list-shaped targets. Non-numeric list
// elements are dropped; a non-list value is rejected entirely.
func decodeTargets(raw json.RawMessage) ([]int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var elems []any
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}
	targets := make([]int, 0, len(elems))
	for _, e := range elems {
		if f, ok := e.(float64); ok {
			targets = append(targets, int(f))
		}
	}
	return targets, true
}

func (m *Mapper) fallbackNode(turnID int, message, speaker string) ArgumentNode {
	node := ArgumentNode{
		TurnID:    turnID,
		Type:      TypeClaim,
		Summary:   summaryPrefix(message),
		Speaker:   speaker,
		Timestamp: time.Now(),
	}
	m.graph.UpsertNode(node)
	return node
}

func summaryPrefix(message string) string {
	r := []rune(message)
	if len(r) > MaxSummaryLength {
		r = r[:MaxSummaryLength]
	}
	return string(r) + "..."
}

func buildAnalysisPrompt(message, speaker string, contextTurns []ContextTurn, graphContext string) string {
	lines := make([]string, 0, len(contextTurns))
	for _, turn := range contextTurns {
		lines = append(lines, fmt.Sprintf("%s: %s", turn.Speaker, turn.Transcript))
	}

	return fmt.Sprintf(`Analyze this message in an ongoing discussion.

Context of previous messages:
%s

Current argument graph:
%s

Message to analyze:
%s: %s

Respond ONLY with a JSON object in the following exact format, with no additional text or explanation:
{
    "type": "<one of: claim, support, counter, response>",
    "summary": "<concise summary, max 150 chars>",
    "targets": [<list of turn_ids this directly responds to>],
    "topic": "<broad topic category>",
    "confidence": <float between 0-1>,
    "reasoning": "<brief explanation>"
}`, strings.Join(lines, "\n"), graphContext, speaker, message)
}

// SelectionAnalysis is the structured summary of a user-selected subgraph.
type SelectionAnalysis struct {
	MainThemes []string `json:"main_themes"`
	KeyPoints  []string `json:"key_points"`
	Conclusion string   `json:"conclusion"`
	Confidence float64  `json:"confidence"`
}

type rawSelection struct {
	MainThemes []string `json:"main_themes"`
	KeyPoints  []string `json:"key_points"`
	Conclusion string   `json:"conclusion"`
	Confidence *float64 `json:"confidence"`
}

// AnalyzeSelection summarizes a selected set of nodes and edges. Like
// AnalyzeMessage it never fails outward; errors yield a zero-confidence
// placeholder result.
func (m *Mapper) AnalyzeSelection(ctx context.Context, nodes []NodeView, edges []EdgeView) SelectionAnalysis {
	nodeLines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		nodeLines = append(nodeLines, fmt.Sprintf("Node %s: %s says %q", n.ID, n.Speaker, n.Summary))
	}
	edgeLines := make([]string, 0, len(edges))
	for _, e := range edges {
		edgeLines = append(edgeLines, fmt.Sprintf("Node %s %s Node %s", e.Source, e.Type, e.Target))
	}

	prompt := fmt.Sprintf(`Analyze this selected portion of an argument graph.
Focus on understanding the relationships and key points in the discussion.

Selected Nodes:
%s

Relationships between nodes:
%s

Analyze the discussion and provide a structured analysis in JSON format:
{
    "main_themes": [<2-3 key themes or topics discussed>],
    "key_points": [<3-5 main arguments or points made>],
    "conclusion": "<overall conclusion about the discussion>",
    "confidence": <float between 0-1 indicating analysis confidence>
}

Keep the analysis concise and focused on the most important aspects.`,
		strings.Join(nodeLines, "\n"), strings.Join(edgeLines, "\n"))

	t := &turns.Turn{}
	turns.AppendBlock(t, turns.NewSystemTextBlock(analysisSystemPrompt))
	turns.AppendBlock(t, turns.NewUserTextBlock(prompt))

	res, err := m.eng.RunInference(ctx, t)
	if err != nil {
		log.Error().Err(err).Msg("selection analysis failed")
		return failedSelectionAnalysis()
	}
	text := lastAssistantText(res)

	var raw rawSelection
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &raw); err != nil {
		log.Error().Err(err).Msg("decode selection analysis response")
		return failedSelectionAnalysis()
	}

	confidence := 0.5
	if raw.Confidence != nil {
		confidence = *raw.Confidence
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	conclusion := raw.Conclusion
	if conclusion == "" {
		conclusion = "Unable to determine conclusion"
	}

	return SelectionAnalysis{
		MainThemes: capStrings(raw.MainThemes, 3),
		KeyPoints:  capStrings(raw.KeyPoints, 5),
		Conclusion: conclusion,
		Confidence: confidence,
	}
}

func failedSelectionAnalysis() SelectionAnalysis {
	return SelectionAnalysis{
		MainThemes: []string{"Analysis failed"},
		KeyPoints:  []string{"Unable to analyze selection"},
		Conclusion: "Analysis failed due to an error",
		Confidence: 0.0,
	}
}

func capStrings(s []string, n int) []string {
	if s == nil {
		return []string{}
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

func lastAssistantText(t *turns.Turn) string {
	if t == nil {
		return ""
	}
	for i := len(t.Blocks) - 1; i >= 0; i-- {
		b := t.Blocks[i]
		if b.Kind != turns.BlockKindLLMText || b.Payload == nil {
			continue
		}
		if s, ok := b.Payload[turns.PayloadKeyText].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// stripCodeFence unwraps a response the model wrapped in a markdown code
// block, with or without a json language tag.
func stripCodeFence(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s)
}
