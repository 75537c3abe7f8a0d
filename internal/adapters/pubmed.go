// Copyright 2025 James Ross
package adapters

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// NoArticle and NoAbstract are the sentinel results fetch_abstract_ncbi
// returns in place of an error when NCBI has no record or no abstract for
// a given PMID.
const (
	NoArticle  = "NO_ARTICLE"
	NoAbstract = "NO_ABSTRACT"
)

// PubMedConfig configures the NCBI efetch client.
type PubMedConfig struct {
	BaseURL string
	APIKey  string
	// RatePerSecond paces outbound efetch requests; zero defaults to 1/s,
	// matching NCBI's unauthenticated-key guidance.
	RatePerSecond float64
	Timeout       time.Duration
}

// PubMedClient fetches abstracts from NCBI's efetch endpoint.
type PubMedClient struct {
	cfg     PubMedConfig
	http    *http.Client
	limiter *rate.Limiter
}

func NewPubMedClient(cfg PubMedConfig) *PubMedClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &PubMedClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
	}
}

type pubmedArticleSet struct {
	Articles []struct {
		MedlineCitation struct {
			Article struct {
				Abstract struct {
					AbstractText []struct {
						Label string `xml:"Label,attr"`
						Text  string `xml:",chardata"`
					} `xml:"AbstractText"`
				} `xml:"Abstract"`
			} `xml:"Article"`
		} `xml:"MedlineCitation"`
	} `xml:"PubmedArticle"`
}

// FetchAbstract fetches one PMID's abstract, retrying forever on
// transient failure with a 1-second backoff, mirroring the reference
// fetch_abstract_ncbi_forever helper. It returns NoArticle or NoAbstract
// in place of an error when NCBI legitimately has nothing to offer.
func (c *PubMedClient) FetchAbstract(ctx context.Context, pmid string) (string, error) {
	for {
		text, err := c.fetchOnce(ctx, pmid)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *PubMedClient) fetchOnce(ctx context.Context, pmid string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s?db=pubmed&id=%s&rettype=abstract&retmode=xml", c.cfg.BaseURL, pmid)
	if c.cfg.APIKey != "" {
		url += "&api_key=" + c.cfg.APIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("adapters: build efetch request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("adapters: efetch request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("adapters: read efetch response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("adapters: efetch returned status %d", resp.StatusCode)
	}

	var parsed pubmedArticleSet
	if err := xml.Unmarshal(cleanXMLText(raw), &parsed); err != nil {
		return "", fmt.Errorf("adapters: decode efetch response: %w", err)
	}
	if len(parsed.Articles) == 0 {
		return NoArticle, nil
	}

	segments := parsed.Articles[0].MedlineCitation.Article.Abstract.AbstractText
	if len(segments) == 0 {
		return NoAbstract, nil
	}

	var parts []string
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.Label != "" {
			text = seg.Label + ": " + text
		}
		parts = append(parts, text)
	}
	if len(parts) == 0 {
		return NoAbstract, nil
	}
	return strings.Join(parts, " "), nil
}

// cleanXMLText strips control characters NCBI occasionally emits that
// would otherwise make the document unparseable, mirroring the
// reference clean_xml_text helper (keeps tab, newline, carriage return).
func cleanXMLText(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == '\t' || b == '\n' || b == '\r' || b >= 0x20 {
			out = append(out, b)
		}
	}
	return out
}
