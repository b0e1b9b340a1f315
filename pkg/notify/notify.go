// Package notify announces newly committed content to external consumers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"farsiland-scraper/pkg/metrics"
	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/utils"
)

// Batch lists the URLs first committed during one run
type Batch struct {
	ID        string                          `json:"id"`
	RunID     string                          `json:"run_id"`
	Timestamp time.Time                       `json:"timestamp"`
	Summary   map[models.ContentType]int      `json:"summary"`
	Content   map[models.ContentType][]string `json:"content"`
}

// NewBatch builds a Batch with a fresh ID; every content type gets an entry, possibly empty
func NewBatch(runID string, content map[models.ContentType][]string, now time.Time) Batch {
	b := Batch{
		ID:        uuid.NewString(),
		RunID:     runID,
		Timestamp: now.UTC(),
		Summary:   make(map[models.ContentType]int, len(models.AllContentTypes)),
		Content:   make(map[models.ContentType][]string, len(models.AllContentTypes)),
	}
	for _, t := range models.AllContentTypes {
		urls := content[t]
		if urls == nil {
			urls = []string{}
		}
		b.Content[t] = urls
		b.Summary[t] = len(urls)
	}
	return b
}

// Total is the number of URLs across all types
func (b Batch) Total() int {
	n := 0
	for _, urls := range b.Content {
		n += len(urls)
	}
	return n
}

// Notifier delivers a Batch somewhere
type Notifier interface {
	Notify(ctx context.Context, b Batch) error
	Name() string
}

// Multi fans a Batch out to several notifiers
type Multi []Notifier

// Notify calls every notifier, even after a failure, and joins their errors
func (m Multi) Notify(ctx context.Context, b Batch) error {
	var errs []error
	for _, n := range m {
		err := n.Notify(ctx, b)
		metrics.ObserveNotification(n.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", utils.ErrNotify, n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Name() string { return "multi" }

// Close closes every notifier that holds resources
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
