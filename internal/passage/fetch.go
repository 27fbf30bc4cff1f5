package passage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default source locations and fragment markers.
const (
	DefaultConstitutionURL = "https://en.wikisource.org/wiki/Constitution_of_the_United_States_of_America"
	DefaultBillOfRightsURL = "https://en.wikisource.org/wiki/United_States_Bill_of_Rights"
	DefaultStartMarker     = `<div class="prp-pages-output`
	DefaultEndMarker       = "<table>"
)

// DefaultFetchTimeout bounds a single document fetch.
const DefaultFetchTimeout = 10 * time.Second

// DefaultUserAgent is sent with every document request.
const DefaultUserAgent = "constbot/1.0 (+https://t.me/usconstitutionbot)"

// maxDocumentBytes caps how much of a response body is read.
const maxDocumentBytes = 8 << 20

// HTTPClient is an interface matching the Do method of *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source describes where passages come from and how the content container
// is delimited inside the page.
type Source struct {
	ConstitutionURL string
	BillOfRightsURL string
	StartMarker     string
	EndMarker       string
}

// DefaultSource returns the Wikisource pages the bot was written against.
func DefaultSource() Source {
	return Source{
		ConstitutionURL: DefaultConstitutionURL,
		BillOfRightsURL: DefaultBillOfRightsURL,
		StartMarker:     DefaultStartMarker,
		EndMarker:       DefaultEndMarker,
	}
}

func (s Source) withDefaults() Source {
	d := DefaultSource()
	if s.ConstitutionURL == "" {
		s.ConstitutionURL = d.ConstitutionURL
	}
	if s.BillOfRightsURL == "" {
		s.BillOfRightsURL = d.BillOfRightsURL
	}
	if s.StartMarker == "" {
		s.StartMarker = d.StartMarker
	}
	if s.EndMarker == "" {
		s.EndMarker = d.EndMarker
	}
	return s
}

// FetchError reports that a source document could not be retrieved. Users
// see it as a temporary difficulty.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("passage: could not reach source %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// fetch downloads a document. Any transport failure or non-2xx status is a
// *FetchError.
func (e *Extractor) fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &FetchError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", &FetchError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	return string(body), nil
}
