package models

import "time"

type FacilityType string

const (
	FacilityBHC FacilityType = "BHC"
	FacilityDHO FacilityType = "DHO"
	FacilityCHO FacilityType = "CHO"
)

const DefaultSlotCapacity = 20

// Rank orders the tiers BHC < DHO < CHO. Unknown types rank 0.
func (t FacilityType) Rank() int {
	switch t {
	case FacilityBHC:
		return 1
	case FacilityDHO:
		return 2
	case FacilityCHO:
		return 3
	default:
		return 0
	}
}

func (t FacilityType) Valid() bool {
	return t.Rank() > 0
}

type OperatingWindow struct {
	Weekday time.Weekday `json:"weekday"`
	Open    TimeSlot     `json:"open"`
	Close   TimeSlot     `json:"close"`
}

type Facility struct {
	FacilityID     string            `json:"facility_id"`
	Type           FacilityType      `json:"type"`
	Name           string            `json:"name"`
	Barangay       string            `json:"barangay,omitempty"`
	SlotCapacity   int               `json:"slot_capacity"`
	OperatingHours []OperatingWindow `json:"operating_hours,omitempty"`
}

func (f Facility) Capacity() int {
	if f.SlotCapacity <= 0 {
		return DefaultSlotCapacity
	}
	return f.SlotCapacity
}
