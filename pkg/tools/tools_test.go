package tools

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

// writeBlob stores a file on disk and registers it as a blob.
func writeBlob(t *testing.T, store *storage.Store, name, content string) *storage.Blob {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := store.UpsertSource(ctx, "filesystem", dir)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(content))
	blob := &storage.Blob{
		BlobID:    storage.NewID(),
		SHA256:    hex.EncodeToString(sum[:]),
		Path:      path,
		Mime:      "text/plain",
		SizeBytes: int64(len(content)),
		SourceID:  src.SourceID,
	}
	require.NoError(t, store.InsertBlob(ctx, blob))
	return blob
}

func TestDocParsePlainText(t *testing.T) {
	store := openTestStore(t)
	blob := writeBlob(t, store, "notes.txt", "hello garden")

	tool := NewDocParseTool(store)
	out, err := tool.Execute(context.Background(), map[string]any{"blob_id": blob.BlobID})
	require.NoError(t, err)
	assert.Equal(t, "hello garden", out["text"])
	assert.Equal(t, "notes.txt", out["title"])
}

func TestDocParseHTML(t *testing.T) {
	store := openTestStore(t)
	html := `<html><head><title>My Page</title><style>body{color:red}</style></head>
<body><script>alert(1)</script><p>visible text</p></body></html>`
	blob := writeBlob(t, store, "page.html", html)

	tool := NewDocParseTool(store)
	out, err := tool.Execute(context.Background(), map[string]any{"blob_id": blob.BlobID})
	require.NoError(t, err)
	text := out["text"].(string)
	assert.Contains(t, text, "visible text")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color:red")
	assert.Equal(t, "My Page", out["title"])
}

func TestDocParsePowerPoint(t *testing.T) {
	store := openTestStore(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"[Content_Types].xml":   `<?xml version="1.0"?><Types/>`,
		"ppt/slides/slide1.xml": `<?xml version="1.0"?><p:sld><p:txBody><a:p><a:t>Quarterly garden plan</a:t></a:p></p:txBody></p:sld>`,
		"ppt/slides/slide2.xml": `<?xml version="1.0"?><p:sld><p:txBody><a:p><a:t>Pergola budget review</a:t></a:p></p:txBody></p:sld>`,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	blob := writeBlob(t, store, "deck.pptx", buf.String())

	tool := NewDocParseTool(store)
	out, err := tool.Execute(context.Background(), map[string]any{"blob_id": blob.BlobID})
	require.NoError(t, err)
	text := out["text"].(string)
	assert.Contains(t, text, "Quarterly garden plan")
	assert.Contains(t, text, "Pergola budget review")
	assert.NotContains(t, text, "PK\x03\x04")
	assert.EqualValues(t, 2, out["page_count"])
}

func TestDocParseUnknownBlob(t *testing.T) {
	store := openTestStore(t)
	tool := NewDocParseTool(store)
	_, err := tool.Execute(context.Background(), map[string]any{"blob_id": "nope"})
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "lookup", toolErr.Action)
}

func TestOCRStubIsDeterministic(t *testing.T) {
	store := openTestStore(t)
	blob := writeBlob(t, store, "photo.png", "binary-ish")

	tool := NewOCRTool(store, ModeStub, "")
	out1, err := tool.Execute(context.Background(), map[string]any{"blob_id": blob.BlobID})
	require.NoError(t, err)
	out2, err := tool.Execute(context.Background(), map[string]any{"blob_id": blob.BlobID})
	require.NoError(t, err)
	assert.Equal(t, out1["text"], out2["text"])
	assert.Contains(t, out1["text"], "photo.png")
}

func TestASRStub(t *testing.T) {
	store := openTestStore(t)
	blob := writeBlob(t, store, "memo.wav", "riff")

	tool := NewASRTool(store, ModeStub, "")
	out, err := tool.Execute(context.Background(), map[string]any{"blob_id": blob.BlobID})
	require.NoError(t, err)
	assert.Contains(t, out["text"], "memo.wav")
	assert.Equal(t, "en", out["language"])
}

func TestTextEmbedUpsertsPoint(t *testing.T) {
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{PersistPath: filepath.Join(t.TempDir(), "vec")})
	require.NoError(t, err)
	defer provider.Close()
	embedder := embedders.NewStubEmbedder(32)

	tool := NewTextEmbedTool(embedder, provider)
	out, err := tool.Execute(context.Background(), map[string]any{
		"text":     "garden notes",
		"point_id": "m1",
		"metadata": map[string]any{"memory_id": "m1"},
	})
	require.NoError(t, err)
	assert.Equal(t, vector.CollectionText+"/m1", out["vector_ref"])

	vec, err := embedder.Embed(context.Background(), "garden notes")
	require.NoError(t, err)
	results, err := provider.Search(context.Background(), vector.CollectionText, vec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Metadata["memory_id"])
}

func TestVisionEmbedStub(t *testing.T) {
	store := openTestStore(t)
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{PersistPath: filepath.Join(t.TempDir(), "vec")})
	require.NoError(t, err)
	defer provider.Close()
	blob := writeBlob(t, store, "img.png", "pixels")

	tool := NewVisionEmbedTool(store, provider, ModeStub, "")
	out, err := tool.Execute(context.Background(), map[string]any{"blob_id": blob.BlobID})
	require.NoError(t, err)
	assert.Equal(t, vector.CollectionVision+"/"+blob.BlobID, out["vector_ref"])
}

func TestSummarizerFallback(t *testing.T) {
	tool := NewSummarizerTool(nil)

	out, err := tool.Execute(context.Background(), map[string]any{
		"text": "First sentence. Second sentence. Third sentence. Fourth sentence.",
	})
	require.NoError(t, err)
	summary := out["summary"].(string)
	assert.Equal(t, "First sentence. Second sentence. Third sentence.", summary)
}

func TestSummarizerRespectsLengthCap(t *testing.T) {
	tool := NewSummarizerTool(nil)
	long := strings.Repeat("word ", 300) + "."
	out, err := tool.Execute(context.Background(), map[string]any{"text": long})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out["summary"].(string)), maxSummaryLen)
}

func TestClipRunesKeepsValidUTF8(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"aé", 2, "a"},
		{"aé", 3, "aé"},
		{"héllo", 2, "h"},
		{"日本語", 4, "日"},
		{"plain", 3, "pla"},
		{"", 5, ""},
	}
	for _, tc := range cases {
		got := clipRunes(tc.in, tc.max)
		assert.Equal(t, tc.want, got)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestExtractorHeuristic(t *testing.T) {
	tool := NewExtractorTool(nil)
	out, err := tool.Execute(context.Background(), map[string]any{
		"text": "met with Ada Lovelace about the Analytical Engine today\nTODO: send the follow-up notes",
	})
	require.NoError(t, err)

	entities := out["entities"].([]any)
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.(map[string]any)["canonical"].(string))
	}
	assert.Contains(t, names, "Ada Lovelace")
	assert.Contains(t, names, "Analytical Engine")

	actions := out["actions"].([]any)
	require.Len(t, actions, 1)
	assert.Contains(t, actions[0], "TODO")
}

func TestExtractorCaps(t *testing.T) {
	var words []string
	for i := 0; i < 50; i++ {
		words = append(words, fmt.Sprintf("Unique%d", i), "and")
	}
	tool := NewExtractorTool(nil)
	out, err := tool.Execute(context.Background(), map[string]any{"text": strings.Join(words, " ")})
	require.NoError(t, err)
	assert.Len(t, out["entities"].([]any), maxEntities)
}

func TestSanitizeEnforcesConfidenceFloor(t *testing.T) {
	out := sanitize(ExtractorOutput{
		Entities: []ExtractedEntity{
			{Canonical: "Keep", Type: "person", Confidence: 0.9},
			{Canonical: "Drop", Type: "person", Confidence: 0.3},
			{Canonical: "keep", Type: "person", Confidence: 0.8}, // dup by case
		},
		Tags:    []string{"Go", "go", ""},
		Actions: []string{" do it ", ""},
	})
	require.Len(t, out.Entities, 1)
	assert.Equal(t, "Keep", out.Entities[0].Canonical)
	assert.Equal(t, graph.TypePerson, out.Entities[0].Type)
	assert.Equal(t, []string{"go"}, out.Tags)
	assert.Equal(t, []string{"do it"}, out.Actions)
}

func TestGraphBuilderTool(t *testing.T) {
	store := openTestStore(t)
	svc := graph.NewService(store)

	tool := NewGraphBuilderTool(svc)
	out, err := tool.Execute(context.Background(), map[string]any{
		"memory_id":      "m1",
		"summary":        "notes",
		"source_time_ms": time.Now().UnixMilli(),
		"entities": []any{
			map[string]any{"canonical": "Ada", "type": "person", "confidence": 0.9},
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out["nodes"])
	assert.EqualValues(t, 1, out["edges"])

	node, err := svc.Node(context.Background(), "ent:ada")
	require.NoError(t, err)
	assert.Equal(t, graph.TypePerson, node.NodeType)
}

func TestWeaverDigestFallback(t *testing.T) {
	tool := NewWeaverTool(nil)
	out, err := tool.Execute(context.Background(), map[string]any{
		"query": "what did I read?",
		"evidence": []any{
			map[string]any{"memory_id": "m1", "title": "paper.pdf", "summary": "a paper on gardens", "score": 0.8},
			map[string]any{"memory_id": "m2", "summary": "a note on soil", "score": 0.5},
		},
	})
	require.NoError(t, err)

	answer := out["answer"].(string)
	assert.Contains(t, answer, "[paper.pdf]")
	assert.Contains(t, answer, "[m2]")

	cited := out["cited_memory_ids"].([]any)
	assert.ElementsMatch(t, []any{"m1", "m2"}, cited)
}

func TestWeaverEmptyEvidence(t *testing.T) {
	tool := NewWeaverTool(nil)
	out, err := tool.Execute(context.Background(), map[string]any{"query": "anything", "evidence": []any{}})
	require.NoError(t, err)
	assert.Empty(t, out["answer"])
}

func TestVerifierAbstainsWithoutEvidence(t *testing.T) {
	tool := NewVerifierTool(nil)
	out, err := tool.Execute(context.Background(), map[string]any{
		"query": "q", "answer": "something", "evidence": []any{},
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictAbstain, out["verdict"])
}

func TestVerifierRevisesUncitedAnswer(t *testing.T) {
	tool := NewVerifierTool(nil)
	out, err := tool.Execute(context.Background(), map[string]any{
		"query":  "q",
		"answer": "a claim with no citations",
		"evidence": []any{
			map[string]any{"memory_id": "m1", "summary": "the fact", "score": 0.9},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictRevise, out["verdict"])
	assert.Contains(t, out["revised_answer"], "[m1]")
}

func TestVerifierPassesCitedAnswer(t *testing.T) {
	tool := NewVerifierTool(nil)
	out, err := tool.Execute(context.Background(), map[string]any{
		"query":  "q",
		"answer": "the fact [m1]",
		"evidence": []any{
			map[string]any{"memory_id": "m1", "summary": "the fact", "score": 0.9},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, out["verdict"])
}
