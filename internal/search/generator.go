package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultEndpoint is the 104 job bank JSON search endpoint.
const DefaultEndpoint = "https://www.104.com.tw/jobs/search/list"

// FetchRequest is one page of one keyword.
type FetchRequest struct {
	Keyword string `json:"keyword"`
	Page    int    `json:"page"`
	URL     string `json:"url"`
}

// Generator expands a Specification into ordered FetchRequests.
type Generator struct {
	endpoint string
}

// NewGenerator returns a Generator targeting endpoint, or DefaultEndpoint when empty.
func NewGenerator(endpoint string) *Generator {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Generator{endpoint: endpoint}
}

// Endpoint returns the base search URL.
func (g *Generator) Endpoint() string {
	return g.endpoint
}

// Generate returns len(Keywords)*PagesPerKeyword requests, keywords in input
// order and pages ascending within each keyword.
func (g *Generator) Generate(spec Specification) ([]FetchRequest, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(g.endpoint, "?") {
		sep = "&"
	}
	suffix := filterSuffix(spec)
	requests := make([]FetchRequest, 0, len(spec.Keywords)*spec.PagesPerKeyword)
	for _, kw := range spec.Keywords {
		escaped := url.QueryEscape(kw)
		for page := 1; page <= spec.PagesPerKeyword; page++ {
			requests = append(requests, FetchRequest{
				Keyword: kw,
				Page:    page,
				URL:     g.endpoint + sep + "page=" + strconv.Itoa(page) + "&keyword=" + escaped + suffix,
			})
		}
	}
	return requests, nil
}

func filterSuffix(spec Specification) string {
	var b strings.Builder
	if len(spec.AreaCodes) > 0 {
		b.WriteString("&area=")
		b.WriteString(strings.Join(spec.AreaCodes, ","))
	}
	if code := remoteWorkParam(spec.RemoteMode); code != "" {
		fmt.Fprintf(&b, "&remoteWork=%s", code)
	}
	return b.String()
}

func remoteWorkParam(mode RemoteMode) string {
	switch mode {
	case RemoteFull:
		return "1"
	case RemotePartial:
		return "2"
	case RemoteBoth:
		return "1,2"
	default:
		return ""
	}
}
