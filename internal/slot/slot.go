package slot

import "time"

// Duration is the fixed length of a bookable slot.
const Duration = time.Hour

// Window returns the clinic opening window [open, close) for the given
// calendar day, in the day's location. Sundays are closed.
func Window(day time.Time) (open, close time.Time, ok bool) {
	year, month, d := day.Date()
	loc := day.Location()
	at := func(hour int) time.Time {
		return time.Date(year, month, d, hour, 0, 0, 0, loc)
	}
	switch day.Weekday() {
	case time.Sunday:
		return time.Time{}, time.Time{}, false
	case time.Saturday:
		return at(9), at(13), true
	default:
		return at(9), at(19), true
	}
}

// AvailableSlots returns the bookable slot start times for day, in ascending
// order, excluding any start time present in booked. A slot must fit entirely
// within the opening window. An empty result is not an error: Sundays and
// fully booked days simply have no slots.
func AvailableSlots(day time.Time, booked []time.Time) []time.Time {
	open, close, ok := Window(day)
	if !ok {
		return nil
	}

	var slots []time.Time
	for t := open; !t.Add(Duration).After(close); t = t.Add(Duration) {
		if containsStart(booked, t) {
			continue
		}
		slots = append(slots, t)
	}
	return slots
}

func containsStart(booked []time.Time, t time.Time) bool {
	for _, b := range booked {
		if b.Equal(t) {
			return true
		}
	}
	return false
}
