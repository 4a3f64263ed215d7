package namespace

import (
	"errors"
	"fmt"
	"time"
)

// Context keys with a meaning to the helpers.
const (
	InputLocationKey  = "input_location"
	OutputLocationKey = "output_location"
	TodayKey          = "today"
)

const dateLayout = "2006-01-02"

// ErrContextTooLarge is returned when a context bag exceeds the ceiling.
var ErrContextTooLarge = errors.New("execution context too large")

// ExecutionContext is the resolved namespace for one submission. It is a
// plain value; the runner materializes it with Bind.
type ExecutionContext struct {
	Capabilities []string          `json:"capabilities"`
	Values       map[string]string `json:"values"`
	Today        string            `json:"today"`
}

// InputLocation is the locator fetch helpers read from.
func (ec ExecutionContext) InputLocation() string {
	return ec.Values[InputLocationKey]
}

// OutputLocation is the locator upload helpers write to.
func (ec ExecutionContext) OutputLocation() string {
	return ec.Values[OutputLocationKey]
}

// Builder produces a fresh ExecutionContext per submission.
type Builder struct {
	catalog         *Catalog
	maxContextBytes int
	now             func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMaxContextBytes bounds the total size of context keys and values.
func WithMaxContextBytes(n int) BuilderOption {
	return func(b *Builder) {
		b.maxContextBytes = n
	}
}

// WithClock sets the clock used for "today" when the context has none.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a Builder over catalog.
func NewBuilder(catalog *Catalog, opts ...BuilderOption) *Builder {
	b := &Builder{
		catalog:         catalog,
		maxContextBytes: 64 * 1024,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build resolves the context bag into an ExecutionContext. The bag is
// copied; later changes to it are not observed.
func (b *Builder) Build(bag map[string]string) (ExecutionContext, error) {
	size := 0
	values := make(map[string]string, len(bag))
	for k, v := range bag {
		size += len(k) + len(v)
		values[k] = v
	}
	if size > b.maxContextBytes {
		return ExecutionContext{}, fmt.Errorf("%w: %d bytes, limit %d", ErrContextTooLarge, size, b.maxContextBytes)
	}

	today := values[TodayKey]
	if today == "" {
		today = b.now().UTC().Format(dateLayout)
	} else if _, err := time.Parse(dateLayout, today); err != nil {
		return ExecutionContext{}, fmt.Errorf("invalid %s %q: want YYYY-MM-DD", TodayKey, today)
	}

	return ExecutionContext{
		Capabilities: b.catalog.Names(),
		Values:       values,
		Today:        today,
	}, nil
}
