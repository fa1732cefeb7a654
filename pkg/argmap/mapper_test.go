package argmap

import (
	"context"
	"strings"
	"testing"

	"github.com/go-go-golems/geppetto/pkg/turns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	response string
	err      error
	prompts  []string
}

func (e *stubEngine) RunInference(_ context.Context, t *turns.Turn) (*turns.Turn, error) {
	for _, b := range t.Blocks {
		if b.Kind == turns.BlockKindUser {
			if s, ok := b.Payload[turns.PayloadKeyText].(string); ok {
				e.prompts = append(e.prompts, s)
			}
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	turns.AppendBlock(t, turns.NewAssistantTextBlock(e.response))
	return t, nil
}

func TestAnalyzeMessageBuildsNodeAndEdges(t *testing.T) {
	eng := &stubEngine{response: `{
		"type": "counter",
		"summary": "disputes the productivity claim",
		"targets": [1],
		"topic": "remote work",
		"confidence": 0.9,
		"reasoning": "direct disagreement"
	}`}
	m := NewMapper(eng)
	m.Graph().UpsertNode(ArgumentNode{TurnID: 1, Type: TypeClaim, Summary: "remote work boosts productivity", Speaker: "alice"})

	node, confidence := m.AnalyzeMessage(context.Background(), 2, "I disagree, output dropped last quarter", "bob", []ContextTurn{
		{Speaker: "alice", Transcript: "remote work boosts productivity"},
	})

	require.Equal(t, 2, node.TurnID)
	require.Equal(t, TypeCounter, node.Type)
	require.Equal(t, "disputes the productivity claim", node.Summary)
	require.Equal(t, "remote work", node.Topic)
	require.Equal(t, "bob", node.Speaker)
	require.InDelta(t, 0.9, confidence, 1e-9)

	require.Equal(t, 1, m.Graph().EdgeCount())
	edge := m.Graph().Edges()[0]
	require.Equal(t, 2, edge.SourceID)
	require.Equal(t, 1, edge.TargetID)
	require.Equal(t, TypeCounter, edge.Type)

	require.Len(t, eng.prompts, 1)
	require.Contains(t, eng.prompts[0], "alice: remote work boosts productivity")
	require.Contains(t, eng.prompts[0], "bob: I disagree, output dropped last quarter")
	require.Contains(t, eng.prompts[0], "#1 (claim): remote work boosts productivity")
}

func TestAnalyzeMessageStripsCodeFence(t *testing.T) {
	eng := &stubEngine{response: "```json\n{\"type\":\"claim\",\"summary\":\"a point\",\"targets\":[],\"confidence\":0.8}\n```"}
	m := NewMapper(eng)

	node, confidence := m.AnalyzeMessage(context.Background(), 1, "a point", "alice", nil)
	require.Equal(t, TypeClaim, node.Type)
	require.Equal(t, "a point", node.Summary)
	require.InDelta(t, 0.8, confidence, 1e-9)
}

func TestAnalyzeMessageInvalidTypePenalty(t *testing.T) {
	eng := &stubEngine{response: `{"type":"rebuttal","summary":"s","targets":[],"confidence":1.0}`}
	m := NewMapper(eng)

	node, confidence := m.AnalyzeMessage(context.Background(), 1, "msg", "alice", nil)
	require.Equal(t, TypeClaim, node.Type)
	require.InDelta(t, 0.8, confidence, 1e-9)
}

func TestAnalyzeMessageNonListTargetsPenalty(t *testing.T) {
	eng := &stubEngine{response: `{"type":"support","summary":"s","targets":"1","confidence":1.0}`}
	m := NewMapper(eng)
	m.Graph().UpsertNode(ArgumentNode{TurnID: 1, Type: TypeClaim, Summary: "prior", Speaker: "alice"})

	node, confidence := m.AnalyzeMessage(context.Background(), 2, "msg", "bob", nil)
	require.Equal(t, TypeSupport, node.Type)
	require.InDelta(t, 0.8, confidence, 1e-9)
	require.Equal(t, 0, m.Graph().EdgeCount())
}

func TestAnalyzeMessagePenaltiesCompound(t *testing.T) {
	eng := &stubEngine{response: `{"type":"rebuttal","summary":"s","targets":{},"confidence":1.0}`}
	m := NewMapper(eng)

	_, confidence := m.AnalyzeMessage(context.Background(), 1, "msg", "alice", nil)
	require.InDelta(t, 0.64, confidence, 1e-9)
}

func TestAnalyzeMessageDropsUnknownTargets(t *testing.T) {
	eng := &stubEngine{response: `{"type":"response","summary":"s","targets":[1,42],"confidence":0.7}`}
	m := NewMapper(eng)
	m.Graph().UpsertNode(ArgumentNode{TurnID: 1, Type: TypeClaim, Summary: "prior", Speaker: "alice"})

	_, confidence := m.AnalyzeMessage(context.Background(), 2, "msg", "bob", nil)
	require.InDelta(t, 0.7, confidence, 1e-9)
	require.Equal(t, 1, m.Graph().EdgeCount())
	require.Equal(t, 1, m.Graph().Edges()[0].TargetID)
}

func TestAnalyzeMessageFallbackOnEngineError(t *testing.T) {
	eng := &stubEngine{err: errors.New("model unavailable")}
	m := NewMapper(eng)
	message := strings.Repeat("x", 150)

	node, confidence := m.AnalyzeMessage(context.Background(), 3, message, "carol", nil)
	require.Equal(t, 3, node.TurnID)
	require.Equal(t, TypeClaim, node.Type)
	require.Equal(t, strings.Repeat("x", 100)+"...", node.Summary)
	require.Zero(t, confidence)

	require.True(t, m.Graph().HasNode(3))
	require.Equal(t, 0, m.Graph().EdgeCount())
}

func TestAnalyzeMessageFallbackOnBadJSON(t *testing.T) {
	eng := &stubEngine{response: "not json at all"}
	m := NewMapper(eng)

	node, confidence := m.AnalyzeMessage(context.Background(), 1, "short message", "dave", nil)
	require.Equal(t, TypeClaim, node.Type)
	require.Equal(t, "short message...", node.Summary)
	require.Zero(t, confidence)
}

func TestAnalyzeSelection(t *testing.T) {
	eng := &stubEngine{response: `{
		"main_themes": ["work", "productivity", "culture", "extra"],
		"key_points": ["p1", "p2"],
		"conclusion": "no consensus reached",
		"confidence": 1.4
	}`}
	m := NewMapper(eng)

	res := m.AnalyzeSelection(context.Background(),
		[]NodeView{{ID: "1", Speaker: "alice", Summary: "remote work boosts productivity"}},
		[]EdgeView{{Source: "2", Target: "1", Type: "counter"}})

	require.Equal(t, []string{"work", "productivity", "culture"}, res.MainThemes)
	require.Equal(t, []string{"p1", "p2"}, res.KeyPoints)
	require.Equal(t, "no consensus reached", res.Conclusion)
	require.InDelta(t, 1.0, res.Confidence, 1e-9)

	require.Contains(t, eng.prompts[0], `Node 1: alice says "remote work boosts productivity"`)
	require.Contains(t, eng.prompts[0], "Node 2 counter Node 1")
}

func TestAnalyzeSelectionFailure(t *testing.T) {
	eng := &stubEngine{err: errors.New("model unavailable")}
	m := NewMapper(eng)

	res := m.AnalyzeSelection(context.Background(), nil, nil)
	require.Equal(t, []string{"Analysis failed"}, res.MainThemes)
	require.Equal(t, "Analysis failed due to an error", res.Conclusion)
	require.Zero(t, res.Confidence)
}

func TestStripCodeFence(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFence(` {"a":1} `))
	require.Equal(t, `{"a":1}`, stripCodeFence("Here you go:\n```json\n{\"a\":1}\n```\nDone."))
}
