package vision

import (
	"context"
	"fmt"
	"time"
)

// Gate waits on templates by name. It satisfies macro.Gate. Waits poll at
// the matcher's current interval.
type Gate struct {
	matcher *Matcher
	store   *TemplateStore
}

// NewGate binds matcher to store.
func NewGate(matcher *Matcher, store *TemplateStore) *Gate {
	return &Gate{matcher: matcher, store: store}
}

func (g *Gate) wait(name string, threshold float64, timeout time.Duration) (*Template, WaitOptions, error) {
	t, ok := g.store.Get(name)
	if !ok {
		return nil, WaitOptions{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return t, WaitOptions{Timeout: timeout, Threshold: threshold}, nil
}

// WaitTemplate blocks until the named template is on screen.
func (g *Gate) WaitTemplate(ctx context.Context, name string, threshold float64, timeout time.Duration) (bool, error) {
	t, opts, err := g.wait(name, threshold, timeout)
	if err != nil {
		return false, err
	}
	_, found, err := g.matcher.WaitForImage(ctx, t, opts)
	return found, err
}

// WaitTemplateGone blocks until the named template leaves the screen.
func (g *Gate) WaitTemplateGone(ctx context.Context, name string, threshold float64, timeout time.Duration) (bool, error) {
	t, opts, err := g.wait(name, threshold, timeout)
	if err != nil {
		return false, err
	}
	return g.matcher.WaitForImageDisappear(ctx, t, opts)
}
