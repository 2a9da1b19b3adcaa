package schema

import "fmt"

// Funnel status values as they appear in the sales tracking sheet.
const (
	StatusLow        = "Low"
	StatusMedium     = "Medium"
	StatusHigh       = "High"
	StatusClosedWon  = "Closed Won"
	StatusClosedLost = "Closed Lost"
)

// Funnel returns the schema of the weekly sales-funnel sheet.
func Funnel() *Schema {
	probMin, probMax := Range(0, 100)
	nonNegative := 0.0
	return &Schema{
		Name: "funnel",
		Fields: []Field{
			{Name: "id", Type: TypeString},
			{Name: "company_name", Type: TypeString, Key: true},
			{Name: "project_name", Type: TypeString, Key: true},
			{Name: "value", Type: TypeNumber, Required: true, Min: &nonNegative},
			{Name: "probability", Type: TypeNumber, Min: probMin, Max: probMax},
			{Name: "status", Type: TypeEnum, Enum: []string{StatusLow, StatusMedium, StatusHigh, StatusClosedWon, StatusClosedLost}},
			{Name: "start_date", Type: TypeDate},
			{Name: "expected_close_date", Type: TypeDate},
			{Name: "contact_name", Type: TypeString},
			{Name: "contact_email", Type: TypeString, Format: "email"},
			{Name: "contact_phone", Type: TypeString},
			{Name: "notes", Type: TypeString},
			{Name: "last_updated", Type: TypeDate},
		},
		Rules: []Rule{startBeforeClose},
	}
}

func startBeforeClose(p map[string]Value) (string, error) {
	start, okStart := p["start_date"]
	closeDate, okClose := p["expected_close_date"]
	if !okStart || !okClose {
		return "", nil
	}
	if start.Time.After(closeDate.Time) {
		return "start_date", fmt.Errorf("start date %s is after expected close date %s", start, closeDate)
	}
	return "", nil
}

// DefaultColumns maps the sheet's header captions to funnel field names.
func DefaultColumns() map[string]string {
	return map[string]string{
		"ID":              "id",
		"Company":         "company_name",
		"Project":         "project_name",
		"Value":           "value",
		"Probability (%)": "probability",
		"Status":          "status",
		"Start Date":      "start_date",
		"Expected Close":  "expected_close_date",
		"Contact":         "contact_name",
		"Contact Email":   "contact_email",
		"Contact Phone":   "contact_phone",
		"Notes":           "notes",
		"Last Updated":    "last_updated",
	}
}
