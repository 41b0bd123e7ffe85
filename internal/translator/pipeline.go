package translator

import (
	"context"

	"github.com/sirupsen/logrus"
)

// RequestEnvelope represents a request in the translation pipeline.
type RequestEnvelope struct {
	Format Format
	Model  string
	Stream bool
	Body   []byte
}

// ResponseEnvelope represents a response in the translation pipeline.
type ResponseEnvelope struct {
	Format Format
	Model  string
	Stream bool
	Body   []byte
	Chunks []string
}

// RequestHandler performs request translation between formats.
type RequestHandler func(ctx context.Context, req RequestEnvelope) (RequestEnvelope, error)

// RequestMiddleware decorates request translation.
type RequestMiddleware func(ctx context.Context, req RequestEnvelope, next RequestHandler) (RequestEnvelope, error)

// Pipeline orchestrates request translation through the registry, with
// optional middleware wrapped around the terminal registry call.
type Pipeline struct {
	registry   *Registry
	middleware []RequestMiddleware
}

// NewPipeline constructs a pipeline bound to the given registry. A nil
// registry falls back to Default().
func NewPipeline(registry *Registry) *Pipeline {
	if registry == nil {
		registry = Default()
	}
	return &Pipeline{registry: registry}
}

// Use adds request middleware, executed in registration order around
// the terminal registry translation.
func (p *Pipeline) Use(mw RequestMiddleware) {
	if mw != nil {
		p.middleware = append(p.middleware, mw)
	}
}

// TranslateRequest runs req through any registered middleware and the
// registry's translator for (from, to).
func (p *Pipeline) TranslateRequest(ctx context.Context, from, to Format, req RequestEnvelope) (RequestEnvelope, error) {
	terminal := func(_ context.Context, input RequestEnvelope) (RequestEnvelope, error) {
		input.Body = p.registry.TranslateRequest(from, to, input.Model, input.Body, input.Stream)
		input.Format = to
		return input, nil
	}

	handler := terminal
	for i := len(p.middleware) - 1; i >= 0; i-- {
		mw := p.middleware[i]
		next := handler
		handler = func(ctx context.Context, r RequestEnvelope) (RequestEnvelope, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// LoggingMiddleware logs the dialect conversion at debug level without
// touching the envelope, using a structured component logger rather
// than a bare log.Printf.
func LoggingMiddleware(log *logrus.Entry) RequestMiddleware {
	if log == nil {
		log = logrus.WithField("component", "translator")
	}
	return func(ctx context.Context, req RequestEnvelope, next RequestHandler) (RequestEnvelope, error) {
		out, err := next(ctx, req)
		if err != nil {
			log.WithError(err).WithField("model", req.Model).Debug("dialect translation failed")
			return out, err
		}
		if req.Format != out.Format {
			log.WithField("model", req.Model).WithField("from", req.Format).WithField("to", out.Format).Debug("translated request dialect")
		}
		return out, nil
	}
}
