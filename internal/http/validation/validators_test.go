package validation

import (
	"regexp"
	"strings"
	"testing"
)

func TestValidators(t *testing.T) {
	arn := regexp.MustCompile(`^arn:aws:iam::\d{12}:role/.+$`)
	tests := []struct {
		name      string
		validator Validator
		value     string
		want      string
	}{
		{name: "required ok", validator: Required("account_arn", 10), value: "abc"},
		{name: "required empty", validator: Required("account_arn", 10), value: "  ", want: "account_arn is required."},
		{
			name:      "required too long",
			validator: Required("account_arn", 3),
			value:     "abcd",
			want:      "account_arn cannot exceed 3 characters.",
		},
		{name: "optional empty", validator: Optional("name", 3), value: ""},
		{name: "optional unicode", validator: Optional("name", 3), value: "äöü"},
		{name: "optional too long", validator: Optional("name", 3), value: "abcd", want: "name cannot exceed 3 characters."},
		{name: "pattern ok", validator: Pattern("account_arn", arn), value: "arn:aws:iam::123456789012:role/cg"},
		{name: "pattern empty", validator: Pattern("account_arn", arn), value: ""},
		{
			name:      "pattern mismatch",
			validator: Pattern("account_arn", arn),
			value:     "arn:aws:iam::1234:role/cg",
			want:      "account_arn has an invalid format.",
		},
		{name: "date ok", validator: Date("start_date"), value: "2024-03-15"},
		{name: "date empty", validator: Date("start_date"), value: ""},
		{
			name:      "date invalid",
			validator: Date("start_date"),
			value:     "2024-13-01",
			want:      "start_date must be a date formatted as YYYY-MM-DD.",
		},
		{name: "id ok", validator: PositiveID("account_id"), value: "42"},
		{name: "id zero", validator: PositiveID("account_id"), value: "0", want: "account_id must be a positive integer."},
		{name: "id text", validator: PositiveID("account_id"), value: "x", want: "account_id must be a positive integer."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.validator(tt.value); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFieldValidator_StopsAtFirstError(t *testing.T) {
	fv := New().
		Validate("account_arn", "", Required("account_arn", 10), Optional("account_arn", 1)).
		Validate("name", "ok", Optional("name", 10))

	if fv.Valid() {
		t.Fatal("expected validation errors")
	}
	errs := fv.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if !strings.Contains(errs["account_arn"], "is required") {
		t.Fatalf("unexpected message %q", errs["account_arn"])
	}
}

func TestFieldValidator_Empty(t *testing.T) {
	fv := New().Validate("start_date", "2024-01-01", Date("start_date"))
	if !fv.Valid() || len(fv.Errors()) != 0 {
		t.Fatalf("expected no errors, got %v", fv.Errors())
	}
}
