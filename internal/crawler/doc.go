// Package crawler executes a search specification against the job bank: it
// walks the generated page requests through a Fetcher, normalizes each
// listing and keeps page-level failures from aborting the whole crawl.
package crawler
