package pipeline

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashwinpillai/kbingest/pkg/models"
)

var (
	titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	descPattern  = regexp.MustCompile(`(?is)<meta[^>]+name=["']description["'][^>]+content=["']([^"']*)["']`)
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
)

// HTMLEnricher extracts lightweight metadata from a page's raw content.
type HTMLEnricher struct{}

func NewHTMLEnricher() *HTMLEnricher { return &HTMLEnricher{} }

func (HTMLEnricher) Enrich(_ context.Context, page *models.Page) (map[string]string, error) {
	meta := map[string]string{}

	if m := titlePattern.FindStringSubmatch(page.Content); m != nil {
		if title := strings.TrimSpace(m[1]); title != "" {
			meta["title"] = title
		}
	}
	if m := descPattern.FindStringSubmatch(page.Content); m != nil {
		if desc := strings.TrimSpace(m[1]); desc != "" {
			meta["description"] = desc
		}
	}

	text := tagPattern.ReplaceAllString(page.Content, " ")
	meta["word_count"] = strconv.Itoa(len(strings.Fields(text)))

	return meta, nil
}

var _ Enricher = HTMLEnricher{}
