package validators

import (
	"context"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Aviation validator names as registered in the ontology.
const (
	FuelReserveName = "FuelReserveValidator"
	CrewRestName    = "CrewRestValidator"
	AirspaceName    = "AirspaceValidator"
)

const (
	citeFuelReserve = "FAA-14-CFR-91.151"
	citeCrewRest    = "FAA-14-CFR-121.471"
	citeAirspace    = "FAA-14-CFR-91.119"
)

// FuelReserve checks that a reroute leaves the VFR fuel reserve intact.
// Cruise is approximated as one nautical mile per minute.
type FuelReserve struct {
	DayReserveMin   float64
	NightReserveMin float64
	BurnKgPerMin    float64
}

// NewFuelReserve returns the validator with 14 CFR 91.151 reserves.
func NewFuelReserve() Validator {
	f := FuelReserve{DayReserveMin: 30, NightReserveMin: 45, BurnKgPerMin: 45}
	return New(FuelReserveName, DefaultTimeout, f.Check)
}

// Check implements Rule.
func (f FuelReserve) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if a.Verb != "reroute_flight" {
		return NotApplicable(), nil
	}
	fuel := a.Float("current_fuel_kg", 5000)
	distance := a.Float("new_distance_nm", 0)

	reserve := f.DayReserveMin
	if a.Bool("is_night", false) {
		reserve = f.NightReserveMin
	}
	required := (distance + reserve) * f.BurnKgPerMin

	if fuel < required {
		return Fail(citeFuelReserve,
			"Insufficient fuel: have %gkg, need %gkg (includes %gmin reserve per FAA 14 CFR §91.151)",
			fuel, required, reserve), nil
	}
	return Pass("Fuel adequate: %gkg available, %gkg required", fuel, required), nil
}

// CrewRest caps the total duty period after a reroute.
type CrewRest struct {
	MaxDutyMin float64
}

// NewCrewRest returns the validator with the 9 hour duty limit.
func NewCrewRest() Validator {
	c := CrewRest{MaxDutyMin: 540}
	return New(CrewRestName, DefaultTimeout, c.Check)
}

// Check implements Rule.
func (c CrewRest) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if a.Verb != "reroute_flight" {
		return NotApplicable(), nil
	}
	total := a.Float("current_duty_minutes", 300) + a.Float("additional_flight_minutes", 0)
	if total > c.MaxDutyMin {
		return Fail(citeCrewRest,
			"Crew duty time would exceed limit: %g minutes > %g minutes (FAA 14 CFR §121.471)",
			total, c.MaxDutyMin), nil
	}
	return Pass("Crew duty within limits: %g/%g minutes", total, c.MaxDutyMin), nil
}

// Airspace enforces minimum safe altitude above terrain.
type Airspace struct {
	MinimumsFt map[string]float64
}

// NewAirspace returns the validator with 14 CFR 91.119 minimums.
func NewAirspace() Validator {
	a := Airspace{MinimumsFt: map[string]float64{
		"congested":   1000,
		"open":        500,
		"mountainous": 2000,
	}}
	return New(AirspaceName, DefaultTimeout, a.Check)
}

// Check implements Rule.
func (s Airspace) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if a.Verb != "adjust_altitude" {
		return NotApplicable(), nil
	}
	altitude := a.Float("new_altitude_ft", 10000)
	terrain := a.String("terrain_type", "open")

	agl, ok := s.MinimumsFt[terrain]
	if !ok {
		agl = 500
	}
	minimum := a.Float("terrain_elevation_ft", 0) + agl

	if altitude < minimum {
		return Fail(citeAirspace,
			"Altitude %gft below minimum safe altitude %gft MSL for %s terrain (FAA 14 CFR §91.119)",
			altitude, minimum, terrain), nil
	}
	return Pass("Altitude safe: %gft above minimum %gft", altitude, minimum), nil
}
