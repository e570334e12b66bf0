package collab

import (
	"context"
	"strings"

	"clipflow/internal/model"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

// ProcessUploader publishes through an external program. It is an
// upload.Executor for one platform.
type ProcessUploader struct {
	platform model.Platform
	cmd      Command
	log      logx.Logger
}

var _ upload.Executor = (*ProcessUploader)(nil)

func NewProcessUploader(platform model.Platform, cmd Command, log logx.Logger) *ProcessUploader {
	return &ProcessUploader{
		platform: platform,
		cmd:      cmd,
		log:      log.With(logx.String("comp", "uploader"), logx.String("platform", platform.String())),
	}
}

func (u *ProcessUploader) Upload(ctx context.Context, req upload.Request) (upload.Outcome, error) {
	rep, err := call(ctx, u.cmd, req, u.log.With(logx.String("uploadId", req.UploadID)))
	if err != nil {
		return upload.Outcome{}, err
	}
	return upload.Outcome{URL: strings.TrimSpace(rep.UploadURL)}, nil
}
