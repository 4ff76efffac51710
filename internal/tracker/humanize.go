package tracker

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var downtimeUnits = []struct {
	name string
	secs int64
}{
	{"day", 86400},
	{"hour", 3600},
	{"minute", 60},
	{"second", 1},
}

// FormatDowntime renders d as "1 day, 2 hours, 3 minutes and 4 seconds".
// Seconds are rounded to the nearest whole second and zero units are left out.
func FormatDowntime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	rest := int64(math.Round(d.Seconds()))
	if rest == 0 {
		return "0 seconds"
	}

	parts := make([]string, 0, len(downtimeUnits))
	for _, u := range downtimeUnits {
		n := rest / u.secs
		rest %= u.secs
		if n == 0 {
			continue
		}
		p := strconv.FormatInt(n, 10) + " " + u.name
		if n != 1 {
			p += "s"
		}
		parts = append(parts, p)
	}

	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}
