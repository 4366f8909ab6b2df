package muenchen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "terminbot/pkg/logx"
)

const (
	// DefaultBaseURL is the production citizen API.
	DefaultBaseURL = "https://www48.muenchen.de/buergeransicht/api/citizen"

	// The API answers 403 to clients that do not look like the booking
	// frontend, so these headers are load-bearing.
	headerOrigin  = "https://stadt.muenchen.de"
	headerReferer = "https://stadt.muenchen.de/"
	headerUA      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/26.0.1 Safari/605.1.15"

	maxResponseBytes = 4 << 20
)

// Config configures the API client.
type Config struct {
	BaseURL        string        // default DefaultBaseURL
	RatePerSec     float64       // default 2
	RequestTimeout time.Duration // default 30s
}

// Client talks to the citizen API. Safe for concurrent use; all requests
// share one rate limiter.
type Client struct {
	base  string
	httpc *http.Client
	lim   *rate.Limiter
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:  base,
		httpc: &http.Client{Timeout: timeout},
		lim:   rate.NewLimiter(rate.Limit(rps), 1),
		log:   log,
	}
}

// CaptchaChallenge fetches a fresh proof-of-work puzzle.
func (c *Client) CaptchaChallenge(ctx context.Context) (Challenge, error) {
	var ch Challenge
	if err := c.getJSON(ctx, "captcha-challenge/", nil, &ch); err != nil {
		return Challenge{}, err
	}
	if ch.Challenge == "" || ch.Salt == "" {
		return Challenge{}, fmt.Errorf("muenchen: captcha-challenge/: incomplete challenge")
	}
	return ch, nil
}

// VerifyCaptcha exchanges a solved challenge for a token. The solution
// travels base64-encoded inside a JSON envelope.
func (c *Client) VerifyCaptcha(ctx context.Context, sol Solution) (string, error) {
	raw, err := json.Marshal(sol)
	if err != nil {
		return "", err
	}
	body := struct {
		Payload string `json:"payload"`
	}{Payload: base64.StdEncoding.EncodeToString(raw)}

	var out struct {
		Meta struct {
			Success bool `json:"success"`
		} `json:"meta"`
		Data struct {
			Valid bool `json:"valid"`
		} `json:"data"`
		Token string `json:"token"`
	}
	if err := c.postJSON(ctx, "captcha-verify/", body, &out); err != nil {
		return "", err
	}
	if !out.Meta.Success || !out.Data.Valid || out.Token == "" {
		return "", fmt.Errorf("%w: solution not accepted", ErrTokenRejected)
	}
	return out.Token, nil
}

// AvailableDays lists bookable dates for one (service, office) pair
// within the query range. An empty result is not an error.
func (c *Client) AvailableDays(ctx context.Context, q AvailabilityQuery) ([]Day, error) {
	params := url.Values{
		"startDate":    {q.StartDate},
		"endDate":      {q.EndDate},
		"officeId":     {strconv.FormatInt(q.OfficeID, 10)},
		"serviceId":    {strconv.FormatInt(q.ServiceID, 10)},
		"serviceCount": {"1"},
		"captchaToken": {q.Token},
	}
	raw, err := c.get(ctx, "available-days-by-office/", params)
	if err != nil {
		return nil, err
	}

	// The endpoint has answered with both an object and a bare array.
	if isJSONArray(raw) {
		var days []Day
		if err := json.Unmarshal(raw, &days); err != nil {
			return nil, fmt.Errorf("muenchen: available-days-by-office/: %w", err)
		}
		return days, nil
	}
	var out struct {
		AvailableDays []Day `json:"availableDays"`
	}
	if err := decodeChecked(raw, "available-days-by-office/", http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.AvailableDays, nil
}

// AvailableSlots lists slot start times for one date, in Munich wall
// time. Sorted ascending.
func (c *Client) AvailableSlots(ctx context.Context, date string, officeID, serviceID int64, token string) ([]time.Time, error) {
	params := url.Values{
		"date":         {date},
		"officeId":     {strconv.FormatInt(officeID, 10)},
		"serviceId":    {strconv.FormatInt(serviceID, 10)},
		"serviceCount": {"1"},
		"captchaToken": {token},
	}
	var out struct {
		Offices []struct {
			OfficeID     int64   `json:"officeId"`
			Appointments []int64 `json:"appointments"`
		} `json:"offices"`
	}
	if err := c.getJSON(ctx, "available-appointments-by-office/", params, &out); err != nil {
		return nil, err
	}

	var stamps []int64
	for _, off := range out.Offices {
		if off.OfficeID == officeID || len(out.Offices) == 1 {
			stamps = append(stamps, off.Appointments...)
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	loc := Berlin()
	slots := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		slots = append(slots, time.Unix(ts, 0).In(loc))
	}
	return slots, nil
}

// Reserve places a hold on a slot. Losing the race for the slot returns
// ErrSlotTaken; a stale token returns ErrTokenRejected.
func (c *Client) Reserve(ctx context.Context, r ReserveRequest) (Reservation, error) {
	body := map[string]any{
		"timestamp":    r.Timestamp,
		"serviceCount": []int{1},
		"officeId":     r.OfficeID,
		"serviceId":    []int64{r.ServiceID},
		"captchaToken": r.Token,
	}
	var res Reservation
	err := c.postJSON(ctx, "reserve-appointment/", body, &res)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// Any structured refusal that is not a token problem means
			// the slot went to somebody else.
			return Reservation{}, fmt.Errorf("%w: %s", ErrSlotTaken, apiErr.Code)
		}
		return Reservation{}, err
	}
	if res.ProcessID == 0 || res.AuthKey == "" {
		return Reservation{}, fmt.Errorf("%w: reservation came back empty", ErrSlotTaken)
	}
	return res, nil
}

// Update attaches the applicant's details to a reservation.
func (c *Client) Update(ctx context.Context, a Appointment) error {
	return c.postJSON(ctx, "update-appointment/", appointmentPayload(a, "reserved"), &struct{}{})
}

// Preconfirm finishes the transaction; the citizen then confirms via the
// email the API sends.
func (c *Client) Preconfirm(ctx context.Context, a Appointment) error {
	return c.postJSON(ctx, "preconfirm-appointment/", appointmentPayload(a, "preconfirmed"), &struct{}{})
}

// appointmentPayload is the shared body of the update and preconfirm
// steps. Field set and order of population follow the booking frontend.
func appointmentPayload(a Appointment, status string) map[string]any {
	return map[string]any{
		"processId":        a.ProcessID,
		"timestamp":        a.Timestamp,
		"authKey":          a.AuthKey,
		"familyName":       a.FamilyName,
		"customTextfield":  "",
		"customTextfield2": "",
		"email":            a.Email,
		"telephone":        a.Telephone,
		"officeName":       scopeProviderName(a.Scope),
		"officeId":         a.OfficeID,
		"scope":            a.Scope,
		"subRequestCounts": []any{},
		"serviceId":        a.ServiceID,
		"serviceName":      a.ServiceName,
		"serviceCount":     1,
		"status":           status,
		"captchaToken":     "",
		"slotCount":        1,
	}
}

func scopeProviderName(scope json.RawMessage) string {
	if len(scope) == 0 {
		return ""
	}
	var s struct {
		Provider struct {
			Name string `json:"name"`
		} `json:"provider"`
	}
	if err := json.Unmarshal(scope, &s); err != nil {
		return ""
	}
	return s.Provider.Name
}

// BookingURL is the public frontend deep link for a (service, office)
// pair, used in notifications next to the inline booking buttons.
func BookingURL(serviceID, officeID int64) string {
	return fmt.Sprintf("https://stadt.muenchen.de/buergerservice/terminvereinbarung.html#/services/%d/locations/%d", serviceID, officeID)
}

var (
	berlinOnce sync.Once
	berlinLoc  *time.Location
)

// Berlin is the timezone appointments are quoted in.
func Berlin() *time.Location {
	berlinOnce.Do(func() {
		loc, err := time.LoadLocation("Europe/Berlin")
		if err != nil {
			loc = time.Local
		}
		berlinLoc = loc
	})
	return berlinLoc
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	raw, err := c.get(ctx, endpoint, params)
	if err != nil {
		return err
	}
	return decodeChecked(raw, endpoint, http.StatusOK, out)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.base + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, endpoint)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	raw, err := c.do(req, endpoint)
	if err != nil {
		return err
	}
	return decodeChecked(raw, endpoint, http.StatusOK, out)
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", headerOrigin)
	req.Header.Set("Referer", headerReferer)
	req.Header.Set("User-Agent", headerUA)

	if err := c.lim.Wait(req.Context()); err != nil {
		return nil, err
	}

	c.log.Debug("api request", logx.String("endpoint", endpoint), logx.String("method", req.Method))
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("muenchen: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("muenchen: %s: read body: %w", endpoint, err)
	}

	if resp.StatusCode/100 != 2 {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("muenchen: %s: http %d", endpoint, resp.StatusCode)
		}
		var f apiFault
		_ = json.Unmarshal(raw, &f)
		return nil, classifyFault(endpoint, resp.StatusCode, f)
	}
	return raw, nil
}

// decodeChecked decodes a 2xx body into out, surfacing faults the API
// embeds in successful responses.
func decodeChecked(raw []byte, endpoint string, status int, out any) error {
	var f apiFault
	if err := json.Unmarshal(raw, &f); err == nil && !f.empty() {
		return classifyFault(endpoint, status, f)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("muenchen: %s: decode: %w", endpoint, err)
	}
	return nil
}

func isJSONArray(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b == '['
	}
	return false
}
