package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quizpix/scanworker/internal/core/domain"
	"github.com/quizpix/scanworker/internal/infra/ai"
	"github.com/quizpix/scanworker/internal/infra/storage"
)

// Processor runs one claimed page to a terminal outcome.
type Processor interface {
	Process(ctx context.Context, page *domain.ScanPage) (*domain.Analysis, ai.Outcome, error)
}

const detectInstruction = `Locate every exam question on this scanned page. ` +
	`Return a JSON array of regions, one per question, with the question number ` +
	`and its bounding box as [x, y, width, height] in page-relative coordinates.`

var detectSchema = json.RawMessage(`{
	"type": "ARRAY",
	"items": {
		"type": "OBJECT",
		"properties": {
			"number": {"type": "INTEGER"},
			"box": {"type": "ARRAY", "items": {"type": "NUMBER"}}
		},
		"required": ["number", "box"]
	}
}`)

const analyzeInstruction = `Analyze every exam question on this scanned page. ` +
	`For each question return its number, the transcribed text, the topic, an ` +
	`estimated difficulty from 1 to 5, and a concise model answer, as a JSON array. ` +
	`Previously detected question regions follow:`

var analyzeSchema = json.RawMessage(`{
	"type": "ARRAY",
	"items": {
		"type": "OBJECT",
		"properties": {
			"number": {"type": "INTEGER"},
			"text": {"type": "STRING"},
			"topic": {"type": "STRING"},
			"difficulty": {"type": "INTEGER"},
			"answer": {"type": "STRING"}
		},
		"required": ["number", "text"]
	}
}`)

// PageProcessor chains the two AI passes for one page: question detection,
// then question analysis seeded with the detection result. Each pass has
// its own orchestrator so the call kinds keep independent retry budgets.
type PageProcessor struct {
	images       storage.ImageRepository
	detect       *ai.Orchestrator
	analyze      *ai.Orchestrator
	detectModel  string
	analyzeModel string
	stream       bool
	log          *slog.Logger
}

func NewPageProcessor(
	images storage.ImageRepository,
	detect, analyze *ai.Orchestrator,
	detectModel, analyzeModel string,
	stream bool,
	log *slog.Logger,
) *PageProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &PageProcessor{
		images:       images,
		detect:       detect,
		analyze:      analyze,
		detectModel:  detectModel,
		analyzeModel: analyzeModel,
		stream:       stream,
		log:          log,
	}
}

// Process resolves the page's image and drives both passes. The returned
// outcome tells the scheduler whether the page may requeue.
func (p *PageProcessor) Process(ctx context.Context, page *domain.ScanPage) (*domain.Analysis, ai.Outcome, error) {
	data, mime, err := p.images.Get(ctx, page.ImageRef)
	if errors.Is(err, storage.ErrImageNotFound) {
		return nil, ai.OutcomeFatal, fmt.Errorf("page %s: %w", page.ID, err)
	}
	if err != nil {
		return nil, ai.OutcomeRetryable, fmt.Errorf("resolve image %s: %w", page.ImageRef, err)
	}

	detRes := p.detect.Do(ctx, page.ID, ai.Request{
		Model:          p.detectModel,
		Instruction:    detectInstruction,
		Image:          data,
		ImageMIME:      mime,
		ResponseSchema: detectSchema,
		Stream:         p.stream,
	})
	if detRes.Outcome != ai.OutcomeSuccess {
		return nil, detRes.Outcome, fmt.Errorf("detect questions: %w", detRes.Err)
	}

	anRes := p.analyze.Do(ctx, page.ID, ai.Request{
		Model:          p.analyzeModel,
		Instruction:    analyzeInstruction + "\n" + detRes.Response.Text,
		Image:          data,
		ImageMIME:      mime,
		ResponseSchema: analyzeSchema,
		Stream:         p.stream,
	})
	if anRes.Outcome != ai.OutcomeSuccess {
		return nil, anRes.Outcome, fmt.Errorf("analyze questions: %w", anRes.Err)
	}

	return &domain.Analysis{
		PageID:       page.ID,
		Model:        p.analyzeModel,
		Detection:    json.RawMessage(detRes.Response.Text),
		Result:       json.RawMessage(anRes.Response.Text),
		FinishReason: anRes.Response.FinishReason,
		TokensUsed:   detRes.Response.Usage.TotalTokens + anRes.Response.Usage.TotalTokens,
	}, ai.OutcomeSuccess, nil
}
