package listing

// RoleType is the employment category of a listing.
type RoleType string

// Role types.
const (
	RoleFullTime RoleType = "full-time"
	RolePartTime RoleType = "part-time"
	RoleSenior   RoleType = "senior"
	RoleUnknown  RoleType = "unknown"
)

// RemoteWorkType is the remote-work arrangement of a listing.
type RemoteWorkType string

// Remote work types.
const (
	RemoteWorkNone    RemoteWorkType = "none"
	RemoteWorkFull    RemoteWorkType = "full"
	RemoteWorkPartial RemoteWorkType = "partial"
	RemoteWorkUnknown RemoteWorkType = "unknown"
)

// SalaryType is the pay period of a listing. Unrecognized source codes are
// carried through verbatim.
type SalaryType string

// Salary types.
const (
	SalaryHourly     SalaryType = "hourly"
	SalaryMonthly    SalaryType = "monthly"
	SalaryYearly     SalaryType = "yearly"
	SalaryNegotiable SalaryType = "negotiable"
	SalaryUnknown    SalaryType = "unknown"
)

// Record is one normalized job listing.
type Record struct {
	SearchKeyword        string         `json:"searchKeyword"`
	Title                string         `json:"title"`
	RoleType             RoleType       `json:"roleType"`
	AddressShort         string         `json:"addressShort"`
	AddressFull          string         `json:"addressFull"`
	Description          string         `json:"description"`
	EducationRequirement string         `json:"educationRequirement"`
	PeriodDescription    string         `json:"periodDescription"`
	ApplicantCount       int            `json:"applicantCount"`
	CompanyName          string         `json:"companyName"`
	Industry             string         `json:"industry"`
	SalaryLow            int            `json:"salaryLow"`
	SalaryHigh           int            `json:"salaryHigh"`
	PostedDate           string         `json:"postedDate"`
	JobLink              string         `json:"jobLink"`
	RemoteWorkType       RemoteWorkType `json:"remoteWorkType"`
	Majors               string         `json:"majors"`
	SalaryType           SalaryType     `json:"salaryType"`
}

// Columns lists the record fields in artifact column order.
var Columns = []string{
	"searchKeyword",
	"title",
	"roleType",
	"addressShort",
	"addressFull",
	"description",
	"educationRequirement",
	"periodDescription",
	"applicantCount",
	"companyName",
	"industry",
	"salaryLow",
	"salaryHigh",
	"postedDate",
	"jobLink",
	"remoteWorkType",
	"majors",
	"salaryType",
}

// DecodeRole maps the source role code.
func DecodeRole(code OptionalInt) RoleType {
	if !code.Valid {
		return RoleUnknown
	}
	switch code.Value {
	case 1:
		return RoleFullTime
	case 2:
		return RolePartTime
	case 3:
		return RoleSenior
	default:
		return RoleUnknown
	}
}

// DecodeRemoteWork maps the source remote-work code.
func DecodeRemoteWork(code OptionalInt) RemoteWorkType {
	if !code.Valid {
		return RemoteWorkUnknown
	}
	switch code.Value {
	case 0:
		return RemoteWorkNone
	case 1:
		return RemoteWorkFull
	case 2:
		return RemoteWorkPartial
	default:
		return RemoteWorkUnknown
	}
}

// DecodeSalary maps the source salary code.
func DecodeSalary(code OptionalString) SalaryType {
	if !code.Valid {
		return SalaryUnknown
	}
	switch code.Value {
	case "H":
		return SalaryHourly
	case "M":
		return SalaryMonthly
	case "Y":
		return SalaryYearly
	case "":
		return SalaryNegotiable
	default:
		return SalaryType(code.Value)
	}
}
