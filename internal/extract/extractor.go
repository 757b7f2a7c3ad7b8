// Package extract pulls event candidates out of listing pages with ordered
// fallback strategies.
package extract

import (
	"bytes"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// Strategy finds candidate event nodes in a parsed document.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document, base *url.URL) Result
}

// Result is what one strategy found.
type Result struct {
	Candidates int
	Discarded  int
	Events     []crawler.PartialEvent
}

// Report describes how a page was extracted.
type Report struct {
	Strategy   string
	Tried      []string
	Candidates int
	Discarded  int
	Err        error
}

// Extractor runs strategies in order until one matches at least one node.
type Extractor struct {
	strategies []Strategy
	logger     *zap.Logger
}

// New builds an Extractor trying custom sets first, then the generic
// fallbacks, then JSON-LD.
func New(logger *zap.Logger, custom ...SelectorSet) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategies := make([]Strategy, 0, len(custom)+4)
	for _, set := range custom {
		if set.Name == "" {
			set.Name = "custom"
		}
		strategies = append(strategies, selectorStrategy{set: set})
	}
	for _, set := range DefaultSelectorSets() {
		strategies = append(strategies, selectorStrategy{set: set})
	}
	strategies = append(strategies, jsonLDStrategy{})
	return NewWithStrategies(logger, strategies...)
}

// NewWithStrategies builds an Extractor with an explicit strategy list.
func NewWithStrategies(logger *zap.Logger, strategies ...Strategy) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{strategies: strategies, logger: logger.Named("extract")}
}

// Extract parses html and returns the events of the first strategy with candidates.
// It never fails: malformed markup yields zero events and Report.Err.
func (e *Extractor) Extract(html []byte, pageURL string) ([]crawler.PartialEvent, Report) {
	var report Report
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		report.Err = &crawler.ParseError{URL: pageURL, Err: err}
		e.logger.Warn("parse document", zap.String("url", pageURL), zap.Error(err))
		return nil, report
	}

	for _, strategy := range e.strategies {
		report.Tried = append(report.Tried, strategy.Name())
		res := strategy.Extract(doc, base)
		if res.Candidates == 0 {
			e.logger.Debug("strategy matched no nodes",
				zap.String("url", pageURL),
				zap.String("strategy", strategy.Name()),
			)
			continue
		}
		report.Strategy = strategy.Name()
		report.Candidates = res.Candidates
		report.Discarded = res.Discarded
		e.logger.Debug("strategy matched",
			zap.String("url", pageURL),
			zap.String("strategy", strategy.Name()),
			zap.Int("candidates", res.Candidates),
			zap.Int("discarded", res.Discarded),
		)
		return res.Events, report
	}
	e.logger.Info("no strategy matched", zap.String("url", pageURL), zap.Strings("tried", report.Tried))
	return nil, report
}
