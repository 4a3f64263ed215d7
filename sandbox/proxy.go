package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/metrics"
	"github.com/isdmx/databox/wire"
)

// helperProxy serves the runner's helper calls against the artifact store.
// Descriptors of successful uploads are recorded here, in the parent, so
// the runner cannot forge them.
type helperProxy struct {
	logger    *zap.Logger
	store     *artifact.Client
	limiter   *rate.Limiter
	observer  metrics.Observer
	input     string
	output    string
	artifacts []artifact.Descriptor
}

func (p *helperProxy) serve(ctx context.Context, c *wire.Call) *wire.Reply {
	if err := p.limiter.Wait(ctx); err != nil {
		return &wire.Reply{Error: fmt.Sprintf("helper call rate limit: %v", err)}
	}

	switch c.Op {
	case wire.OpFetch:
		data, err := p.store.Fetch(ctx, p.input, c.Path)
		p.observer.RecordHelperCall(c.Op, err)
		if err != nil {
			p.logger.Debug("fetch failed", zap.String("path", c.Path), zap.Error(err))
			return &wire.Reply{Error: err.Error()}
		}
		return &wire.Reply{Data: data}

	case wire.OpUpload:
		locator, err := p.store.Upload(ctx, p.output, c.Path, c.ContentType, c.Data)
		p.observer.RecordHelperCall(c.Op, err)
		if err != nil {
			p.logger.Debug("upload failed", zap.String("path", c.Path), zap.Error(err))
			return &wire.Reply{Error: err.Error()}
		}
		desc := artifact.Descriptor{Kind: c.Kind, Name: c.Path, Locator: locator}
		p.artifacts = append(p.artifacts, desc)
		return &wire.Reply{Kind: desc.Kind, Name: desc.Name, Locator: desc.Locator}

	default:
		return &wire.Reply{Error: fmt.Sprintf("unknown helper operation %q", c.Op)}
	}
}

// session reads the runner's frames until it closes stdout. It returns the
// first result frame, if any, and the first protocol error.
type session struct {
	in    *wire.Reader
	out   *wire.Writer
	proxy *helperProxy
}

func (s *session) run(ctx context.Context) (*wire.Result, error) {
	var result *wire.Result
	for {
		env, err := s.in.Read()
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("failed to read runner frame: %w", err)
		}

		switch env.Kind {
		case wire.KindCall:
			if result != nil {
				return result, errors.New("helper call after result frame")
			}
			reply := s.proxy.serve(ctx, env.Call)
			if err := s.out.Write(&wire.Envelope{Kind: wire.KindReply, Reply: reply}); err != nil {
				return result, fmt.Errorf("failed to send reply: %w", err)
			}
		case wire.KindResult:
			if result == nil {
				result = env.Result
			}
		default:
			return result, fmt.Errorf("unexpected %s frame from runner", env.Kind)
		}
	}
}
