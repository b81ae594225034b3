package llm

import (
	"context"

	"github.com/wolfman30/titration-sim/pkg/logging"
)

// FallbackClient wraps a primary client with a fallback provider. If the
// primary fails, the same request is sent to the fallback.
type FallbackClient struct {
	primary  Client
	fallback Client
	logger   *logging.Logger
}

// NewFallbackClient returns primary unchanged when fallback is nil.
func NewFallbackClient(primary, fallback Client, logger *logging.Logger) Client {
	if fallback == nil {
		return primary
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackClient{primary: primary, fallback: fallback, logger: logger}
}

func (c *FallbackClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, err
	}

	c.logger.Warn("primary llm failed, attempting fallback", "purpose", req.Purpose, "error", err.Error())
	fallbackResp, fallbackErr := c.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		c.logger.Error("fallback llm also failed",
			"purpose", req.Purpose,
			"primary_error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return Response{}, fallbackErr
	}
	c.logger.Info("fallback llm succeeded after primary failure", "purpose", req.Purpose)
	return fallbackResp, nil
}
