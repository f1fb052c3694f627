package helper

import (
	"context"
	"maps"
	"sync"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

// SpySpanContext is the span handle TracingCollectorSpy hands out.
type SpySpanContext struct {
	status     string
	attributes map[string]string
	mu         sync.Mutex
}

// SetStatus implements the SpanContext interface.
func (c *SpySpanContext) SetStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// AddAttribute implements the SpanContext interface.
func (c *SpySpanContext) AddAttribute(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[key] = value
}

// GetStatus returns the status set on the span handle.
func (c *SpySpanContext) GetStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SpySpanRecord is one span from StartSpan to FinishSpan.
type SpySpanRecord struct {
	Name            string
	StartAttributes map[string]string
	Status          string
	EndAttributes   map[string]string
	Finished        bool
	span            *SpySpanContext
}

// TracingCollectorSpy is a TracingCollector implementation that captures spans for testing.
type TracingCollectorSpy struct {
	spanRecords []SpySpanRecord
	mu          sync.Mutex
}

// NewTracingCollectorSpy creates an empty TracingCollectorSpy.
func NewTracingCollectorSpy() *TracingCollectorSpy {
	return &TracingCollectorSpy{}
}

// StartSpan implements the TracingCollector interface.
func (s *TracingCollectorSpy) StartSpan(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, eventstore.SpanContext) {

	span := &SpySpanContext{attributes: make(map[string]string)}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.spanRecords = append(s.spanRecords, SpySpanRecord{
		Name:            name,
		StartAttributes: maps.Clone(attrs),
		span:            span,
	})

	return ctx, span
}

// FinishSpan implements the TracingCollector interface.
func (s *TracingCollectorSpy) FinishSpan(spanCtx eventstore.SpanContext, status string, attrs map[string]string) {
	span, ok := spanCtx.(*SpySpanContext)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.spanRecords {
		if s.spanRecords[i].span == span {
			s.spanRecords[i].Status = status
			s.spanRecords[i].EndAttributes = maps.Clone(attrs)
			s.spanRecords[i].Finished = true

			return
		}
	}
}

// GetSpanRecords returns a copy of all captured spans.
func (s *TracingCollectorSpy) GetSpanRecords() []SpySpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpySpanRecord(nil), s.spanRecords...)
}

// Reset clears all captured spans.
func (s *TracingCollectorSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spanRecords = nil
}

// SpanRecordMatcher narrows down captured spans with fluent conditions.
type SpanRecordMatcher struct {
	spy        *TracingCollectorSpy
	name       string
	status     string
	startAttrs map[string]string
	endAttrs   map[string]string
}

// HasSpanRecordForName starts a matcher for finished spans with the given name.
func (s *TracingCollectorSpy) HasSpanRecordForName(name string) *SpanRecordMatcher {
	return &SpanRecordMatcher{
		spy:        s,
		name:       name,
		startAttrs: make(map[string]string),
		endAttrs:   make(map[string]string),
	}
}

// WithStatus requires the given finish status.
func (m *SpanRecordMatcher) WithStatus(status string) *SpanRecordMatcher {
	m.status = status
	return m
}

// WithStartAttribute requires an attribute passed to StartSpan.
func (m *SpanRecordMatcher) WithStartAttribute(key, value string) *SpanRecordMatcher {
	m.startAttrs[key] = value
	return m
}

// WithEndAttribute requires an attribute passed to FinishSpan.
func (m *SpanRecordMatcher) WithEndAttribute(key, value string) *SpanRecordMatcher {
	m.endAttrs[key] = value
	return m
}

// Assert reports whether at least one captured span satisfies all conditions.
func (m *SpanRecordMatcher) Assert() bool {
	return m.Count() > 0
}

// Count returns how many captured spans satisfy all conditions.
func (m *SpanRecordMatcher) Count() int {
	count := 0

	for _, record := range m.spy.GetSpanRecords() {
		if !record.Finished || record.Name != m.name {
			continue
		}

		if m.status != "" && record.Status != m.status {
			continue
		}

		if containsAll(record.StartAttributes, m.startAttrs) && containsAll(record.EndAttributes, m.endAttrs) {
			count++
		}
	}

	return count
}

func containsAll(actual, expected map[string]string) bool {
	for key, value := range expected {
		if got, ok := actual[key]; !ok || got != value {
			return false
		}
	}

	return true
}

var _ eventstore.TracingCollector = (*TracingCollectorSpy)(nil)
