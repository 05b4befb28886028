package validate

import (
	"strings"
	"testing"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
)

type vehicle struct {
	Type         string `json:"type" validate:"required,oneof=car motorcycle truck van"`
	Registration string `json:"registration" validate:"required,min=4"`
}

func TestStruct(t *testing.T) {
	v := New()

	cases := []struct {
		in   vehicle
		want string
	}{
		{vehicle{Type: "boat", Registration: "ABC123"}, "type must be one of: car, motorcycle, truck, van"},
		{vehicle{Type: "car", Registration: "AB"}, "registration must be at least 4 characters"},
		{vehicle{Registration: "ABCD"}, "type is required"},
	}
	for _, tc := range cases {
		err := v.Struct(tc.in)
		if !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("expected validation error for %+v, got %v", tc.in, err)
		}
		if !strings.Contains(apperr.Message(err), tc.want) {
			t.Fatalf("expected %q, got %q", tc.want, apperr.Message(err))
		}
	}

	if err := v.Struct(vehicle{Type: "van", Registration: "XYZ9"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
