package listing

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ContentType is the MIME type of the CSV artifact.
const ContentType = "text/csv; charset=utf-8"

// WriteCSV writes a header row followed by one row per record.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, rec := range records {
		if err := cw.Write(toRow(rec)); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ReadCSV reads at most limit records from an artifact written by WriteCSV.
// A limit of zero or less reads everything.
func ReadCSV(r io.Reader, limit int) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Columns)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv artifact is empty")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, name := range Columns {
		if header[i] != name {
			return nil, fmt.Errorf("unexpected csv column %d: %q", i, header[i])
		}
	}
	var records []Record
	for limit <= 0 || len(records) < limit {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(records), err)
		}
		rec, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("decode csv row %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func toRow(r Record) []string {
	return []string{
		r.SearchKeyword,
		r.Title,
		string(r.RoleType),
		r.AddressShort,
		r.AddressFull,
		r.Description,
		r.EducationRequirement,
		r.PeriodDescription,
		strconv.Itoa(r.ApplicantCount),
		r.CompanyName,
		r.Industry,
		strconv.Itoa(r.SalaryLow),
		strconv.Itoa(r.SalaryHigh),
		r.PostedDate,
		r.JobLink,
		string(r.RemoteWorkType),
		r.Majors,
		string(r.SalaryType),
	}
}

func fromRow(row []string) (Record, error) {
	applicants, err := strconv.Atoi(row[8])
	if err != nil {
		return Record{}, fmt.Errorf("applicantCount: %w", err)
	}
	low, err := strconv.Atoi(row[11])
	if err != nil {
		return Record{}, fmt.Errorf("salaryLow: %w", err)
	}
	high, err := strconv.Atoi(row[12])
	if err != nil {
		return Record{}, fmt.Errorf("salaryHigh: %w", err)
	}
	return Record{
		SearchKeyword:        row[0],
		Title:                row[1],
		RoleType:             RoleType(row[2]),
		AddressShort:         row[3],
		AddressFull:          row[4],
		Description:          row[5],
		EducationRequirement: row[6],
		PeriodDescription:    row[7],
		ApplicantCount:       applicants,
		CompanyName:          row[9],
		Industry:             row[10],
		SalaryLow:            low,
		SalaryHigh:           high,
		PostedDate:           row[13],
		JobLink:              row[14],
		RemoteWorkType:       RemoteWorkType(row[15]),
		Majors:               row[16],
		SalaryType:           SalaryType(row[17]),
	}, nil
}
