package models

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestTally_MergesUtensils(t *testing.T) {
	dets := []Detection{{Label: "fork"}, {Label: "spoon"}, {Label: "bottle"}}

	got := Tally(dets)
	want := ClassTally{Bottle: 1, Cup: 0, Utensils: 2}
	if got != want {
		t.Errorf("Tally() = %+v, expected %+v", got, want)
	}
}

func TestTally_DropsUnrecognizedLabels(t *testing.T) {
	dets := []Detection{
		{Label: "person"}, {Label: "cup"}, {Label: "knife"}, {Label: "wine glass"}, {Label: ""},
	}

	got := Tally(dets)
	if got != (ClassTally{Cup: 1, Utensils: 1}) {
		t.Errorf("Tally() = %+v", got)
	}
	if got.Total() != 2 {
		t.Errorf("Total() = %d, expected 2", got.Total())
	}
}

func TestLitersFromFill(t *testing.T) {
	tests := []struct {
		fill, max, expected float64
	}{
		{50, 100, 50},
		{-10, 100, 0},
		{150, 100, 100},
		{33, 120, 40},
		{0, 120, 0},
		{100, 120, 120},
	}

	for _, tt := range tests {
		if got := LitersFromFill(tt.fill, tt.max); got != tt.expected {
			t.Errorf("LitersFromFill(%v, %v) = %v, expected %v", tt.fill, tt.max, got, tt.expected)
		}
	}
}

func TestIsRecognized(t *testing.T) {
	for _, l := range []string{"bottle", "cup", "fork", "knife", "spoon"} {
		if !IsRecognized(l) {
			t.Errorf("expected %q to be recognized", l)
		}
	}
	if IsRecognized("person") {
		t.Error("person should not be recognized")
	}
}

func TestInspection_Validate(t *testing.T) {
	valid := func() Inspection {
		return Inspection{
			ID:                     "abc",
			CreatedAt:              time.Now(),
			MunicipalityID:         "demo-miami",
			FillPercent:            40,
			LitersEst:              48,
			ImageAnonymizedDataURL: "data:image/jpeg;base64,AAAA",
		}
	}

	ok := valid()
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid inspection, got %v", err)
	}

	mutations := map[string]func(*Inspection){
		"fill above range":  func(i *Inspection) { i.FillPercent = 101 },
		"fill below range":  func(i *Inspection) { i.FillPercent = -1 },
		"negative liters":   func(i *Inspection) { i.LitersEst = -0.5 },
		"not a data url":    func(i *Inspection) { i.ImageAnonymizedDataURL = "https://example.com/a.jpg" },
		"empty image":       func(i *Inspection) { i.ImageAnonymizedDataURL = "" },
		"no municipality":   func(i *Inspection) { i.MunicipalityID = "" },
		"no identifier set": func(i *Inspection) { i.ID = "" },
	}
	for name, mutate := range mutations {
		insp := valid()
		mutate(&insp)
		if err := insp.Validate(); !errors.Is(err, ErrInvalidInspection) {
			t.Errorf("%s: expected ErrInvalidInspection, got %v", name, err)
		}
	}
}
