package runner

import (
	"errors"
	"fmt"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/wire"
)

// wireHost proxies helper calls to the parent over the frame stream. The
// runner has no network of its own.
type wireHost struct {
	in  *wire.Reader
	out *wire.Writer
}

func (h *wireHost) Fetch(path string) ([]byte, error) {
	reply, err := h.call(&wire.Call{Op: wire.OpFetch, Path: path})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (h *wireHost) Upload(path, kind, contentType string, data []byte) (artifact.Descriptor, error) {
	reply, err := h.call(&wire.Call{
		Op:          wire.OpUpload,
		Path:        path,
		Kind:        kind,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		return artifact.Descriptor{}, err
	}
	return artifact.Descriptor{Kind: reply.Kind, Name: reply.Name, Locator: reply.Locator}, nil
}

func (h *wireHost) call(c *wire.Call) (*wire.Reply, error) {
	if err := h.out.Write(&wire.Envelope{Kind: wire.KindCall, Call: c}); err != nil {
		return nil, fmt.Errorf("sending %s call: %w", c.Op, err)
	}
	env, err := h.in.Read()
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", c.Op, err)
	}
	if env.Kind != wire.KindReply {
		return nil, fmt.Errorf("unexpected %s frame while waiting for reply", env.Kind)
	}
	if env.Reply.Error != "" {
		return nil, errors.New(env.Reply.Error)
	}
	return env.Reply, nil
}
