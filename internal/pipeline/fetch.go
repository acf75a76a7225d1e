package pipeline

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ashwinpillai/kbingest/pkg/models"
)

// Fetcher turns a source's crawl configuration into candidate URLs and
// retrieves individual pages.
type Fetcher interface {
	DiscoverURLs(ctx context.Context, source *models.Source) ([]string, error)
	FetchPage(ctx context.Context, pageURL string) (string, error)
}

// Enricher derives extra metadata for an indexed page.
type Enricher interface {
	Enrich(ctx context.Context, page *models.Page) (map[string]string, error)
}

const maxPageBytes = 4 << 20

// HTTPFetcher is the default Fetcher, crawling over plain HTTP.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) DiscoverURLs(ctx context.Context, source *models.Source) ([]string, error) {
	switch source.CrawlType {
	case models.CrawlTypeSingle:
		if len(source.SeedURLs) == 0 {
			return nil, nil
		}
		return source.SeedURLs[:1], nil
	case models.CrawlTypeList:
		return dedupe(source.SeedURLs), nil
	case models.CrawlTypeSitemap:
		var urls []string
		for _, seed := range source.SeedURLs {
			locs, err := f.fetchSitemap(ctx, seed)
			if err != nil {
				return nil, err
			}
			urls = append(urls, locs...)
		}
		return dedupe(urls), nil
	case models.CrawlTypeDomain:
		var urls []string
		for _, seed := range source.SeedURLs {
			urls = append(urls, seed)
			linked, err := f.sameHostLinks(ctx, seed)
			if err != nil {
				// A broken seed page only loses its links, not the run.
				continue
			}
			urls = append(urls, linked...)
		}
		return dedupe(urls), nil
	default:
		return nil, fmt.Errorf("unknown crawl type %q", source.CrawlType)
	}
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	body, err := f.get(ctx, pageURL)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, nil
}

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

func (f *HTTPFetcher) fetchSitemap(ctx context.Context, sitemapURL string) ([]string, error) {
	body, err := f.get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}

	urls := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls, nil
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*["']([^"'#]+)["']`)

// sameHostLinks extracts one level of same-host links from the seed page.
func (f *HTTPFetcher) sameHostLinks(ctx context.Context, seed string) ([]string, error) {
	base, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", seed, err)
	}

	body, err := f.get(ctx, seed)
	if err != nil {
		return nil, err
	}

	var links []string
	for _, match := range hrefPattern.FindAllStringSubmatch(string(body), -1) {
		ref, err := url.Parse(match[1])
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Host != base.Host || (abs.Scheme != "http" && abs.Scheme != "https") {
			continue
		}
		abs.Fragment = ""
		links = append(links, abs.String())
	}
	return links, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
