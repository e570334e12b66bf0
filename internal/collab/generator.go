package collab

import (
	"context"
	"encoding/json"
	"strings"

	"clipflow/internal/model"
	logx "clipflow/pkg/logx"
)

// GenerateRequest is handed to the generator for one queue item.
type GenerateRequest struct {
	QueueID     string          `json:"queueId"`
	VideoConfig json.RawMessage `json:"videoConfig"`
	Platform    model.Platform  `json:"platform"`
	ContentType string          `json:"contentType,omitempty"`
}

type GenerateResult struct {
	OutputPath string `json:"outputPath"`
}

// Generator renders a video for a queue item.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (GenerateResult, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	return f(ctx, req)
}

// ProcessGenerator runs an external generator program.
type ProcessGenerator struct {
	cmd Command
	log logx.Logger
}

func NewProcessGenerator(cmd Command, log logx.Logger) *ProcessGenerator {
	return &ProcessGenerator{cmd: cmd, log: log.With(logx.String("comp", "generator"))}
}

func (g *ProcessGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	rep, err := call(ctx, g.cmd, req, g.log.With(logx.String("queueId", req.QueueID)))
	if err != nil {
		return GenerateResult{}, err
	}
	path := strings.TrimSpace(rep.OutputPath)
	if path == "" {
		return GenerateResult{}, model.Execution("generator returned no outputPath", nil)
	}
	return GenerateResult{OutputPath: path}, nil
}
