package listing

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `{
  "data": {
    "list": [
      {
        "jobName": "RPA Engineer",
        "jobRole": 1,
        "jobAddrNoDesc": "台北市大安區",
        "jobAddress": "台北市大安區復興南路一段1號",
        "description": "Build bots, \"fast\", with care.\nSecond line",
        "optionEdu": "大學",
        "periodDesc": "2年以上",
        "applyCnt": "12",
        "custName": "Acme, Inc.",
        "coIndustryDesc": "軟體及網路相關業",
        "salaryLow": 40000,
        "salaryHigh": 60000,
        "appearDate": "20240315",
        "link": {"job": "//www.104.com.tw/job/abc?jobsource=list"},
        "remoteWorkType": 2,
        "major": ["資訊工程", "資訊管理"],
        "salaryType": "M"
      },
      {"jobName": "", "custName": "", "link": {"job": ""}},
      42
    ]
  }
}`

func TestDecodePageAndNormalize(t *testing.T) {
	t.Parallel()

	page, err := DecodePage([]byte(samplePage))
	require.NoError(t, err)
	require.Len(t, page.Listings, 2)
	require.Len(t, page.Rejected, 1)

	out := Normalize("RPA", page.Listings[0])
	require.False(t, out.Skip)
	require.Empty(t, out.Issues)
	require.Equal(t, Record{
		SearchKeyword:        "RPA",
		Title:                "RPA Engineer",
		RoleType:             RoleFullTime,
		AddressShort:         "台北市大安區",
		AddressFull:          "台北市大安區復興南路一段1號",
		Description:          "Build bots, \"fast\", with care.\nSecond line",
		EducationRequirement: "大學",
		PeriodDescription:    "2年以上",
		ApplicantCount:       12,
		CompanyName:          "Acme, Inc.",
		Industry:             "軟體及網路相關業",
		SalaryLow:            40000,
		SalaryHigh:           60000,
		PostedDate:           "2024-03-15",
		JobLink:              "https://www.104.com.tw/job/abc",
		RemoteWorkType:       RemoteWorkPartial,
		Majors:               "資訊工程,資訊管理",
		SalaryType:           SalaryMonthly,
	}, out.Record)

	require.True(t, Normalize("RPA", page.Listings[1]).Skip)
}

func TestDecodePageEnvelopeErrors(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`not json`, `{}`, `{"data":null}`, `{"data":{}}`, `{"data":{"list":null}}`} {
		_, err := DecodePage([]byte(body))
		require.Error(t, err, body)
	}

	page, err := DecodePage([]byte(`{"data":{"list":[]}}`))
	require.NoError(t, err)
	require.Empty(t, page.Listings)
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	var raw RawListing
	require.NoError(t, json.Unmarshal([]byte(`{"jobName":"Only title"}`), &raw))

	out := Normalize("AI", raw)
	require.False(t, out.Skip)
	require.Empty(t, out.Issues)
	require.Equal(t, Record{
		SearchKeyword:  "AI",
		Title:          "Only title",
		RoleType:       RoleUnknown,
		RemoteWorkType: RemoteWorkUnknown,
		SalaryType:     SalaryUnknown,
	}, out.Record)
}

func TestNormalizeCodeTables(t *testing.T) {
	t.Parallel()

	roles := map[string]RoleType{`1`: RoleFullTime, `2`: RolePartTime, `3`: RoleSenior, `9`: RoleUnknown, `null`: RoleUnknown}
	for code, want := range roles {
		var n OptionalInt
		require.NoError(t, json.Unmarshal([]byte(code), &n))
		require.Equal(t, want, DecodeRole(n), code)
	}

	remote := map[string]RemoteWorkType{`0`: RemoteWorkNone, `1`: RemoteWorkFull, `2`: RemoteWorkPartial, `"7"`: RemoteWorkUnknown}
	for code, want := range remote {
		var n OptionalInt
		require.NoError(t, json.Unmarshal([]byte(code), &n))
		require.Equal(t, want, DecodeRemoteWork(n), code)
	}

	salary := map[string]SalaryType{`"H"`: SalaryHourly, `"M"`: SalaryMonthly, `"Y"`: SalaryYearly, `""`: SalaryNegotiable, `"D"`: SalaryType("D")}
	for code, want := range salary {
		var s OptionalString
		require.NoError(t, json.Unmarshal([]byte(code), &s))
		require.Equal(t, want, DecodeSalary(s), code)
	}
	require.Equal(t, SalaryUnknown, DecodeSalary(OptionalString{}))
}

func TestNormalizeMalformedFieldsRaiseIssues(t *testing.T) {
	t.Parallel()

	raw := RawListing{
		JobName:    OptionalString{Value: "Analyst", Valid: true},
		AppearDate: OptionalString{Value: "2024-13-01", Valid: true},
		Link:       RawLink{Job: OptionalString{Value: "not a link", Valid: true}},
	}
	out := Normalize("AI", raw)
	require.Equal(t, "", out.Record.PostedDate)
	require.Equal(t, "", out.Record.JobLink)
	require.Equal(t, []Issue{
		{Field: "postedDate", Raw: "2024-13-01"},
		{Field: "jobLink", Raw: "not a link"},
	}, out.Issues)
}

func TestNormalizeRejectsInvalidCounts(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		raw   string
		want  int
		issue string
	}{
		{name: "negative number", raw: `-3`, want: 0, issue: "-3"},
		{name: "negative string", raw: `"-100"`, want: 0, issue: "-100"},
		{name: "beyond int range", raw: `1e30`, want: 0, issue: "1e30"},
		{name: "fractional", raw: `12.7`, want: 12},
		{name: "numeric string", raw: `" 40000 "`, want: 40000},
		{name: "zero", raw: `0`, want: 0},
		{name: "absent", raw: `null`, want: 0},
		{name: "not a number", raw: `"negotiable"`, want: 0, issue: "negotiable"},
	}
	for _, tc := range testCases {
		body := []byte(`{"jobName":"x","applyCnt":` + tc.raw + `,"salaryLow":` + tc.raw + `,"salaryHigh":` + tc.raw + `}`)
		var raw RawListing
		require.NoError(t, json.Unmarshal(body, &raw), tc.name)

		out := Normalize("AI", raw)
		require.Equal(t, tc.want, out.Record.ApplicantCount, tc.name)
		require.Equal(t, tc.want, out.Record.SalaryLow, tc.name)
		require.Equal(t, tc.want, out.Record.SalaryHigh, tc.name)
		if tc.issue == "" {
			require.Empty(t, out.Issues, tc.name)
			continue
		}
		require.Equal(t, []Issue{
			{Field: "applicantCount", Raw: tc.issue},
			{Field: "salaryLow", Raw: tc.issue},
			{Field: "salaryHigh", Raw: tc.issue},
		}, out.Issues, tc.name)
	}
}

func TestFormatLink(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"//www.104.com.tw/job/abc?x=1":    "https://www.104.com.tw/job/abc",
		"//www.104.com.tw/job/abc#apply":  "https://www.104.com.tw/job/abc",
		"https://www.104.com.tw/job/xyz":  "https://www.104.com.tw/job/xyz",
		"http://m.104.com.tw/job/xyz?a=b": "http://m.104.com.tw/job/xyz",
		"":                                "",
	}
	for in, want := range cases {
		got, ok := formatLink(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"/job/abc", "ftp://host/x", "//"} {
		got, ok := formatLink(bad)
		require.False(t, ok, bad)
		require.Empty(t, got)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	t.Parallel()

	page, err := DecodePage([]byte(samplePage))
	require.NoError(t, err)
	records := []Record{
		Normalize("RPA", page.Listings[0]).Record,
		{SearchKeyword: "AI", Title: "x", RoleType: RoleUnknown, RemoteWorkType: RemoteWorkNone, SalaryType: SalaryType("D")},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))

	got, err := ReadCSV(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	require.Equal(t, records, got)

	first, err := ReadCSV(bytes.NewReader(buf.Bytes()), 1)
	require.NoError(t, err)
	require.Equal(t, records[:1], first)
}

func TestCSVHeaderOnlyForEmptySet(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	got, err := ReadCSV(&buf, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadCSVRejectsForeignHeader(t *testing.T) {
	t.Parallel()

	_, err := ReadCSV(bytes.NewBufferString("a,b\n1,2\n"), 0)
	require.Error(t, err)
}
