package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.3.  Calculating Age
// §
// §     The Age header field is used to convey an estimated age of the
// §     response message when obtained from a cache.
// §
// §     Age calculation uses the following data:
// §
// §     "age_value"
// §        The term "age_value" denotes the value of the Age header field
// §        (Section 5.1), in a form appropriate for arithmetic operation; or
// §        0, if not available.
func age_value(res *http.Response) time.Duration {
	// §  5.1 [...] a cache encountering a message with a list-based Age
	// §  field value SHOULD use the first member of the field value,
	// §  discarding subsequent ones.
	if members := GetListHeader(res.Header, "Age"); len(members) > 0 {
		return deltaSeconds(members[0])
	}
	return 0
}

// §     "date_value"
// §        The term "date_value" denotes the value of the Date header field,
// §        in a form appropriate for arithmetic operations.
func date_value(res *http.Response) time.Time {
	if date, err := HttpDate(res.Header.Get("Date")); err == nil {
		return date
	}
	return time.Time{}
}

// §     A response's age can be calculated in two entirely independent ways:
// §
// §     1.  the "apparent_age": response_time minus date_value, if the
// §         implementation's clock is reasonably well synchronized to the
// §         origin server's clock.  If the result is negative, the result is
// §         replaced by zero.
// §
// §     2.  the "corrected_age_value", if all of the caches along the
// §         response path implement HTTP/1.1 or greater.  A cache MUST
// §         interpret this value relative to the time the request was
// §         initiated, not the time that the response was received.
// §
// §       apparent_age = max(0, response_time - date_value);
// §       response_delay = response_time - request_time;
// §       corrected_age_value = age_value + response_delay;
// §
// §       corrected_initial_age = max(apparent_age, corrected_age_value);
// §
// §       resident_time = now - response_time;
// §       current_age = corrected_initial_age + resident_time;
func CurrentAge(res *http.Response, requestTime, responseTime, now time.Time) time.Duration {
	apparentAge := durationMax(0, responseTime.Sub(date_value(res)))
	responseDelay := responseTime.Sub(requestTime)
	correctedAgeValue := age_value(res) + responseDelay
	correctedInitialAge := durationMax(apparentAge, correctedAgeValue)
	residentTime := now.Sub(responseTime)
	return correctedInitialAge + residentTime
}

func durationMax(d1, d2 time.Duration) time.Duration {
	if d1 > d2 {
		return d1
	}
	return d2
}
