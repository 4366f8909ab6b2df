package muenchen

import "encoding/json"

// Challenge is the proof-of-work puzzle served by captcha-challenge/.
// The solver searches for a nonce n with sha256(salt + itoa(n)) equal to
// Challenge (lowercase hex).
type Challenge struct {
	Algorithm string `json:"algorithm"` // "SHA-256"
	Challenge string `json:"challenge"`
	MaxNumber int64  `json:"maxnumber"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

// Solution is a solved challenge. VerifyCaptcha submits it base64-encoded
// and exchanges it for a short-lived JWT.
type Solution struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Number    int64  `json:"number"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
	TookMS    int64  `json:"took"`
}

// AvailabilityQuery selects one (service, office) pair over a date range.
// Dates are "YYYY-MM-DD".
type AvailabilityQuery struct {
	StartDate string
	EndDate   string
	OfficeID  int64
	ServiceID int64
	Token     string
}

// Day is one bookable date.
type Day struct {
	Time string `json:"time"` // "YYYY-MM-DD"
}

// ReserveRequest is the input for the first booking step.
type ReserveRequest struct {
	Timestamp int64 // slot start, unix seconds
	OfficeID  int64
	ServiceID int64
	Token     string
}

// Reservation is the server-side hold returned by reserve-appointment/.
// ProcessID and AuthKey authorize the follow-up steps; Scope is passed
// back verbatim. A Reservation never outlives its booking session.
type Reservation struct {
	ProcessID int64           `json:"processId"`
	AuthKey   string          `json:"authKey"`
	Timestamp string          `json:"timestamp"`
	Scope     json.RawMessage `json:"scope"`
}

// Appointment carries everything the update and preconfirm steps need.
type Appointment struct {
	ProcessID   int64
	AuthKey     string
	Timestamp   string
	FamilyName  string
	Email       string
	Telephone   string
	OfficeID    int64
	ServiceID   int64
	ServiceName string
	Scope       json.RawMessage
}
