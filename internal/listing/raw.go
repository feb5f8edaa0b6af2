// Package listing maps raw job bank listings into normalized records.
package listing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMissingList reports a page envelope without a data.list array.
var ErrMissingList = errors.New("response has no data.list array")

// RawListing mirrors one element of the search endpoint's data.list array.
type RawListing struct {
	JobName        OptionalString `json:"jobName"`
	JobRole        OptionalInt    `json:"jobRole"`
	JobAddrNoDesc  OptionalString `json:"jobAddrNoDesc"`
	JobAddress     OptionalString `json:"jobAddress"`
	Description    OptionalString `json:"description"`
	OptionEdu      OptionalString `json:"optionEdu"`
	PeriodDesc     OptionalString `json:"periodDesc"`
	ApplyCnt       OptionalInt    `json:"applyCnt"`
	CustName       OptionalString `json:"custName"`
	CoIndustryDesc OptionalString `json:"coIndustryDesc"`
	SalaryLow      OptionalInt    `json:"salaryLow"`
	SalaryHigh     OptionalInt    `json:"salaryHigh"`
	AppearDate     OptionalString `json:"appearDate"`
	Link           RawLink        `json:"link"`
	RemoteWorkType OptionalInt    `json:"remoteWorkType"`
	Major          []string       `json:"major"`
	SalaryType     OptionalString `json:"salaryType"`
}

// RawLink holds the listing's link object; only the job link is used.
type RawLink struct {
	Job OptionalString `json:"job"`
}

// Page is a decoded search response page.
type Page struct {
	Listings []RawListing
	// Rejected counts elements that could not be decoded as listings.
	Rejected []error
}

type envelope struct {
	Data *struct {
		List []json.RawMessage `json:"list"`
	} `json:"data"`
}

// DecodePage parses a search response body. The envelope itself must be valid;
// individual malformed elements are reported in Page.Rejected.
func DecodePage(body []byte) (Page, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Data == nil || env.Data.List == nil {
		return Page{}, ErrMissingList
	}
	page := Page{Listings: make([]RawListing, 0, len(env.Data.List))}
	for i, item := range env.Data.List {
		var raw RawListing
		if err := json.Unmarshal(item, &raw); err != nil {
			page.Rejected = append(page.Rejected, fmt.Errorf("listing %d: %w", i, err))
			continue
		}
		page.Listings = append(page.Listings, raw)
	}
	return page, nil
}

// OptionalString is a JSON string that remembers whether it was present.
// Numbers decode as their literal text; other kinds decode as absent.
type OptionalString struct {
	Value string
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *OptionalString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*s = OptionalString{}
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		*s = OptionalString{Value: v, Valid: true}
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		*s = OptionalString{Value: string(data), Valid: true}
	}
	return nil
}

// OptionalInt is a JSON integer that accepts numeric strings and remembers
// whether it was present. A present value that is not an integer within the
// int range leaves Valid false and keeps its text in Raw.
type OptionalInt struct {
	Value int
	Valid bool
	Raw   string
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *OptionalInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*n = OptionalInt{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("decode numeric string: %w", err)
		}
		text = strings.TrimSpace(text)
	}
	if v, err := strconv.Atoi(text); err == nil {
		*n = OptionalInt{Value: v, Valid: true}
		return nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || f >= float64(math.MaxInt) || f < float64(math.MinInt) {
		*n = OptionalInt{Raw: text}
		return nil
	}
	*n = OptionalInt{Value: int(f), Valid: true}
	return nil
}
