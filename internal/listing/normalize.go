package listing

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Issue notes a field that was present but malformed and therefore emptied.
type Issue struct {
	Field string
	Raw   string
}

// Outcome is the result of normalizing one raw listing.
type Outcome struct {
	Record Record
	// Skip is true when the listing carries nothing to identify it.
	Skip   bool
	Issues []Issue
}

// Normalize maps raw into a Record tagged with the originating keyword.
// It never fails: absent values take their zero value or "unknown".
func Normalize(keyword string, raw RawListing) Outcome {
	var out Outcome
	rec := Record{
		SearchKeyword:        keyword,
		Title:                strings.TrimSpace(raw.JobName.Value),
		RoleType:             DecodeRole(raw.JobRole),
		AddressShort:         raw.JobAddrNoDesc.Value,
		AddressFull:          raw.JobAddress.Value,
		Description:          raw.Description.Value,
		EducationRequirement: raw.OptionEdu.Value,
		PeriodDescription:    raw.PeriodDesc.Value,
		CompanyName:          strings.TrimSpace(raw.CustName.Value),
		Industry:             raw.CoIndustryDesc.Value,
		RemoteWorkType:       DecodeRemoteWork(raw.RemoteWorkType),
		Majors:               strings.Join(raw.Major, ","),
		SalaryType:           DecodeSalary(raw.SalaryType),
	}

	rec.ApplicantCount = out.count("applicantCount", raw.ApplyCnt)
	rec.SalaryLow = out.count("salaryLow", raw.SalaryLow)
	rec.SalaryHigh = out.count("salaryHigh", raw.SalaryHigh)

	date, ok := formatDate(raw.AppearDate.Value)
	if !ok {
		out.Issues = append(out.Issues, Issue{Field: "postedDate", Raw: raw.AppearDate.Value})
	}
	rec.PostedDate = date

	link, ok := formatLink(raw.Link.Job.Value)
	if !ok {
		out.Issues = append(out.Issues, Issue{Field: "jobLink", Raw: raw.Link.Job.Value})
	}
	rec.JobLink = link

	out.Record = rec
	out.Skip = rec.Title == "" && rec.CompanyName == "" && rec.JobLink == ""
	return out
}

// count returns a non-negative count, with 0 meaning unspecified. Negative
// or unparsable values become 0 and are reported as issues.
func (o *Outcome) count(field string, n OptionalInt) int {
	switch {
	case n.Valid && n.Value >= 0:
		return n.Value
	case n.Valid:
		o.Issues = append(o.Issues, Issue{Field: field, Raw: strconv.Itoa(n.Value)})
	case n.Raw != "":
		o.Issues = append(o.Issues, Issue{Field: field, Raw: n.Raw})
	}
	return 0
}

// formatDate turns YYYYMMDD into YYYY-MM-DD. ok is false only for
// non-empty input that does not parse.
func formatDate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	t, err := time.Parse("20060102", raw)
	if err != nil {
		return "", false
	}
	return t.Format(time.DateOnly), true
}

// formatLink turns a scheme-relative link into an absolute https URL without
// query or fragment. ok is false only for non-empty input that is not a URL.
func formatLink(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return "", false
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", false
	}
	return raw, true
}
