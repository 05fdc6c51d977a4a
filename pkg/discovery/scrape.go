package discovery

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/PuerkitoBio/goquery"
	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
)

// ScrapeConfig configures the document-scrape strategy.
type ScrapeConfig struct {
	Name     string          `yaml:"name"`
	Endpoint client.Endpoint `yaml:"endpoint"`

	// LinkSelector picks elements whose href may contain an identifier.
	LinkSelector string `yaml:"link_selector"`

	// LinkPattern captures a candidate from an href.
	LinkPattern string `yaml:"link_pattern"`

	// ScriptPattern captures candidates from inline script text.
	ScriptPattern string `yaml:"script_pattern"`

	MaxAttempts int `yaml:"max_attempts"`
}

// DocumentScrape collects candidates from the entity's HTML page. Its
// heuristics are loose; the validator drops what does not fit.
type DocumentScrape struct {
	cfg    ScrapeConfig
	link   *regexp.Regexp
	script *regexp.Regexp
}

// NewDocumentScrape creates the scrape strategy. It fails on invalid patterns.
func NewDocumentScrape(cfg ScrapeConfig) (*DocumentScrape, error) {
	if cfg.Name == "" {
		cfg.Name = "scrape"
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a[href]"
	}
	if cfg.LinkPattern == "" {
		cfg.LinkPattern = `/p/([^/?#]+)`
	}
	if cfg.ScriptPattern == "" {
		cfg.ScriptPattern = `"shortcode"\s*:\s*"([^"]+)"`
	}

	link, err := regexp.Compile(cfg.LinkPattern)
	if err != nil {
		return nil, fmt.Errorf("link pattern: %w", err)
	}
	script, err := regexp.Compile(cfg.ScriptPattern)
	if err != nil {
		return nil, fmt.Errorf("script pattern: %w", err)
	}
	return &DocumentScrape{cfg: cfg, link: link, script: script}, nil
}

// Name returns the configured strategy name.
func (s *DocumentScrape) Name() string { return s.cfg.Name }

// Kind returns KindDocumentScrape.
func (s *DocumentScrape) Kind() Kind { return KindDocumentScrape }

// Run fetches the page once (with retries) and merges every candidate.
func (s *DocumentScrape) Run(ctx context.Context, env *Env) error {
	var candidates []string

	err := env.Execute(ctx, s.cfg.MaxAttempts, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		req := env.request(s.cfg.Endpoint, sess, map[string]string{"entity": env.Entity})
		resp, err := env.Fetcher.Fetch(ctx, sess, req)
		if err != nil {
			return err
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return client.Malformed("%s document: %v", s.cfg.Name, err)
		}
		candidates = s.candidates(doc)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", s.cfg.Name, err)
	}

	added := env.Merge(candidates)
	env.Logger.Debug().
		Str("strategy", s.cfg.Name).
		Int("candidates", len(candidates)).
		Int("added", added).
		Msg("Document scraped")
	return nil
}

func (s *DocumentScrape) candidates(doc *goquery.Document) []string {
	var out []string
	doc.Find(s.cfg.LinkSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		for _, m := range s.link.FindAllStringSubmatch(href, -1) {
			out = append(out, m[len(m)-1])
		}
	})
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		for _, m := range s.script.FindAllStringSubmatch(sel.Text(), -1) {
			out = append(out, m[len(m)-1])
		}
	})
	return out
}
