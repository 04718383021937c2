package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Vortrix5/echogarden/internal/httpclient"
	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

// Media model modes.
const (
	ModeLocal = "local"
	ModeStub  = "stub"
)

// sidecarClient posts blob paths to a local model sidecar (whisper, OCR,
// or vision encoder) and decodes the JSON reply.
type sidecarClient struct {
	url    string
	client *httpclient.Client
}

func newSidecarClient(url string) *sidecarClient {
	return &sidecarClient{
		url: url,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 90 * time.Second}),
			httpclient.WithMaxRetries(1),
		),
	}
}

func (s *sidecarClient) process(ctx context.Context, path string, out any) error {
	payload, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sidecar returned status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// OCRInput selects the image blob to read.
type OCRInput struct {
	BlobID string `json:"blob_id" jsonschema:"required"`
}

// OCROutput is the recognized text.
type OCROutput struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Conf     float64 `json:"conf"`
}

// NewOCRTool reads text out of image blobs. In stub mode it emits a
// deterministic marker derived from the file name, keeping the image
// pipeline functional without a local model.
func NewOCRTool(store *storage.Store, mode, sidecarURL string) Tool {
	var sidecar *sidecarClient
	if mode == ModeLocal {
		sidecar = newSidecarClient(sidecarURL)
	}
	return NewTool("ocr", "Recognize text in a stored image blob",
		func(ctx context.Context, in OCRInput) (OCROutput, error) {
			blob, err := store.GetBlob(ctx, in.BlobID)
			if err != nil {
				return OCROutput{}, NewToolError("ocr", "lookup", fmt.Sprintf("blob %s", in.BlobID), err)
			}
			if sidecar == nil {
				return OCROutput{
					Text:     fmt.Sprintf("[image] %s", filepath.Base(blob.Path)),
					Language: "en",
					Conf:     0.1,
				}, nil
			}
			var out OCROutput
			if err := sidecar.process(ctx, blob.Path, &out); err != nil {
				return OCROutput{}, NewToolError("ocr", "sidecar", blob.Path, err)
			}
			return out, nil
		})
}

// ASRInput selects the audio blob to transcribe.
type ASRInput struct {
	BlobID string `json:"blob_id" jsonschema:"required"`
}

// ASRSegment is one timed span of a transcript.
type ASRSegment struct {
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
	Text   string  `json:"text"`
}

// ASROutput is the transcript.
type ASROutput struct {
	Text     string       `json:"text"`
	Language string       `json:"language"`
	Segments []ASRSegment `json:"segments,omitempty"`
}

// NewASRTool transcribes audio blobs, via a whisper sidecar in local mode
// or a deterministic stub otherwise.
func NewASRTool(store *storage.Store, mode, sidecarURL string) Tool {
	var sidecar *sidecarClient
	if mode == ModeLocal {
		sidecar = newSidecarClient(sidecarURL)
	}
	return NewTool("asr", "Transcribe a stored audio blob",
		func(ctx context.Context, in ASRInput) (ASROutput, error) {
			blob, err := store.GetBlob(ctx, in.BlobID)
			if err != nil {
				return ASROutput{}, NewToolError("asr", "lookup", fmt.Sprintf("blob %s", in.BlobID), err)
			}
			if sidecar == nil {
				return ASROutput{
					Text:     fmt.Sprintf("[audio] %s", filepath.Base(blob.Path)),
					Language: "en",
				}, nil
			}
			var out ASROutput
			if err := sidecar.process(ctx, blob.Path, &out); err != nil {
				return ASROutput{}, NewToolError("asr", "sidecar", blob.Path, err)
			}
			return out, nil
		})
}

// VisionEmbedInput selects the image blob to embed.
type VisionEmbedInput struct {
	BlobID string `json:"blob_id" jsonschema:"required"`
	// PointID overrides the vector point id; defaults to the blob id.
	PointID string `json:"point_id,omitempty"`
}

// VisionEmbedOutput references the stored vector point.
type VisionEmbedOutput struct {
	VectorRef string `json:"vector_ref"`
	Dims      int    `json:"dims"`
}

// NewVisionEmbedTool embeds image blobs into the vision collection. Stub
// mode derives the vector from the blob content hash, so identical images
// land on identical points.
func NewVisionEmbedTool(store *storage.Store, provider vector.Provider, mode, sidecarURL string) Tool {
	var sidecar *sidecarClient
	if mode == ModeLocal {
		sidecar = newSidecarClient(sidecarURL)
	}
	stub := embedders.NewStubEmbedder(64)
	return NewTool("vision_embed", "Embed a stored image blob into the vision vector index",
		func(ctx context.Context, in VisionEmbedInput) (VisionEmbedOutput, error) {
			if provider == nil {
				return VisionEmbedOutput{}, NewToolError("vision_embed", "provider", "no vector provider configured", nil)
			}
			blob, err := store.GetBlob(ctx, in.BlobID)
			if err != nil {
				return VisionEmbedOutput{}, NewToolError("vision_embed", "lookup", fmt.Sprintf("blob %s", in.BlobID), err)
			}

			var vec []float32
			if sidecar == nil {
				vec, err = stub.Embed(ctx, blob.SHA256)
			} else {
				var resp struct {
					Embedding []float32 `json:"embedding"`
				}
				if err = sidecar.process(ctx, blob.Path, &resp); err == nil {
					vec = resp.Embedding
				}
			}
			if err != nil {
				return VisionEmbedOutput{}, NewToolError("vision_embed", "embed", blob.Path, err)
			}
			if len(vec) == 0 {
				return VisionEmbedOutput{}, NewToolError("vision_embed", "embed", "empty embedding", nil)
			}

			pointID := in.PointID
			if pointID == "" {
				pointID = blob.BlobID
			}
			meta := map[string]any{"blob_id": blob.BlobID, "path": blob.Path}
			if err := provider.Upsert(ctx, vector.CollectionVision, pointID, vec, meta); err != nil {
				return VisionEmbedOutput{}, NewToolError("vision_embed", "upsert", pointID, err)
			}
			return VisionEmbedOutput{
				VectorRef: vector.CollectionVision + "/" + pointID,
				Dims:      len(vec),
			}, nil
		})
}
