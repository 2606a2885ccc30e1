package manifest

import (
	"fmt"
	"strings"

	"github.com/hpungsan/gtkrypt/internal/errors"
)

// FieldKind hints how a record field is entered and displayed.
type FieldKind string

const (
	FieldText      FieldKind = "text"
	FieldPassword  FieldKind = "password"
	FieldURL       FieldKind = "url"
	FieldNumber    FieldKind = "number"
	FieldDate      FieldKind = "date"
	FieldMultiline FieldKind = "multiline"
)

// FieldDef describes one field of a record template.
type FieldDef struct {
	ID       string
	Label    string
	Kind     FieldKind
	Required bool
	Secret   bool // masked in listings, copied rather than printed
}

// Template is a fixed schema for structured records.
type Template struct {
	ID       string
	Label    string
	Icon     string
	Category string
	Fields   []FieldDef
}

var templates = []Template{
	{
		ID: "login", Label: "Login", Icon: "key", Category: "logins",
		Fields: []FieldDef{
			{ID: "username", Label: "Username", Kind: FieldText},
			{ID: "password", Label: "Password", Kind: FieldPassword, Required: true, Secret: true},
			{ID: "url", Label: "Website", Kind: FieldURL},
			{ID: "totp", Label: "One-time code secret", Kind: FieldPassword, Secret: true},
			{ID: "notes", Label: "Notes", Kind: FieldMultiline},
		},
	},
	{
		ID: "credit_card", Label: "Credit card", Icon: "credit-card", Category: "cards",
		Fields: []FieldDef{
			{ID: "cardholder", Label: "Cardholder", Kind: FieldText},
			{ID: "number", Label: "Number", Kind: FieldNumber, Required: true, Secret: true},
			{ID: "expiry", Label: "Expiry", Kind: FieldDate},
			{ID: "cvv", Label: "CVV", Kind: FieldPassword, Secret: true},
			{ID: "pin", Label: "PIN", Kind: FieldPassword, Secret: true},
			{ID: "notes", Label: "Notes", Kind: FieldMultiline},
		},
	},
	{
		ID: "identity", Label: "Identity", Icon: "person", Category: "identities",
		Fields: []FieldDef{
			{ID: "full_name", Label: "Full name", Kind: FieldText, Required: true},
			{ID: "birth_date", Label: "Date of birth", Kind: FieldDate},
			{ID: "document_number", Label: "Document number", Kind: FieldText, Secret: true},
			{ID: "issued_by", Label: "Issued by", Kind: FieldText},
			{ID: "expiry", Label: "Expiry", Kind: FieldDate},
			{ID: "address", Label: "Address", Kind: FieldMultiline},
		},
	},
	{
		ID: "wifi", Label: "Wi-Fi network", Icon: "wifi", Category: "logins",
		Fields: []FieldDef{
			{ID: "ssid", Label: "Network name", Kind: FieldText, Required: true},
			{ID: "password", Label: "Password", Kind: FieldPassword, Secret: true},
			{ID: "security", Label: "Security", Kind: FieldText},
		},
	},
	{
		ID: "secure_note", Label: "Secure note", Icon: "note", Category: "notes",
		Fields: []FieldDef{
			{ID: "body", Label: "Body", Kind: FieldMultiline, Required: true, Secret: true},
		},
	},
}

// Templates returns the builtin record templates.
func Templates() []Template {
	return templates
}

// TemplateByID looks up a builtin template.
func TemplateByID(id string) (Template, bool) {
	for _, t := range templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// ValidateRecord checks fields against the template: unknown field ids are
// rejected and required fields must be non-blank.
func ValidateRecord(templateID string, fields map[string]string) error {
	t, ok := TemplateByID(templateID)
	if !ok {
		return errors.NewInvalidRequest(fmt.Sprintf("unknown record template %q", templateID))
	}
	known := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		known[f.ID] = true
		if f.Required && strings.TrimSpace(fields[f.ID]) == "" {
			return errors.NewInvalidRequest(fmt.Sprintf("%s: field %q is required", t.Label, f.ID))
		}
	}
	for id := range fields {
		if !known[id] {
			return errors.NewInvalidRequest(fmt.Sprintf("%s: unknown field %q", t.Label, id))
		}
	}
	return nil
}
