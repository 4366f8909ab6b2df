package muenchen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "terminbot/pkg/logx"
)

func testClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, RatePerSec: 1000}, logx.Nop())
}

func TestCaptchaFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/captcha-challenge/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "https://stadt.muenchen.de" {
			t.Errorf("missing Origin header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"algorithm": "SHA-256",
			"challenge": "abc123",
			"maxnumber": 100000,
			"salt":      "s4lt",
			"signature": "sig",
		})
	})
	mux.HandleFunc("/captcha-verify/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payload string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode verify body: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(body.Payload)
		if err != nil {
			t.Errorf("payload is not base64: %v", err)
		}
		var sol Solution
		if err := json.Unmarshal(raw, &sol); err != nil {
			t.Errorf("payload is not a solution: %v", err)
		}
		if sol.Number != 777 || sol.Salt != "s4lt" {
			t.Errorf("unexpected solution: %+v", sol)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"meta":  map[string]any{"success": true},
			"data":  map[string]any{"valid": true},
			"token": "jwt-token",
		})
	})

	c := testClient(t, mux)
	ctx := context.Background()

	ch, err := c.CaptchaChallenge(ctx)
	if err != nil {
		t.Fatalf("CaptchaChallenge: %v", err)
	}
	if ch.Challenge != "abc123" || ch.MaxNumber != 100000 {
		t.Fatalf("unexpected challenge: %+v", ch)
	}

	tok, err := c.VerifyCaptcha(ctx, Solution{
		Algorithm: ch.Algorithm, Challenge: ch.Challenge,
		Number: 777, Salt: ch.Salt, Signature: ch.Signature, TookMS: 12,
	})
	if err != nil {
		t.Fatalf("VerifyCaptcha: %v", err)
	}
	if tok != "jwt-token" {
		t.Fatalf("token = %q, want jwt-token", tok)
	}
}

func TestVerifyCaptchaRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]any{"success": true},
			"data": map[string]any{"valid": false},
		})
	}))
	_, err := c.VerifyCaptcha(context.Background(), Solution{Number: 1})
	if !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("err = %v, want ErrTokenRejected", err)
	}
}

func TestAvailableDays(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantDays int
		wantErr  error // nil means success; apiErr checked separately
		wantAPI  bool
	}{
		{name: "object form", status: 200, body: `{"availableDays":[{"time":"2026-09-05"},{"time":"2026-09-08"}]}`, wantDays: 2},
		{name: "bare array form", status: 200, body: `[{"time":"2026-09-05"}]`, wantDays: 1},
		{name: "no days", status: 200, body: `{"availableDays":[]}`, wantDays: 0},
		{name: "captcha fault", status: 200, body: `{"errorCode":"captchaInvalid","errorMessage":"token expired"}`, wantErr: ErrTokenRejected},
		{name: "unauthorized", status: 401, body: `{}`, wantErr: ErrTokenRejected},
		{name: "other fault", status: 200, body: `{"errorCode":"noAppointmentForThisScope","errorMessage":"nope"}`, wantAPI: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("serviceCount"); got != "1" {
					t.Errorf("serviceCount = %q, want 1", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			days, err := c.AvailableDays(context.Background(), AvailabilityQuery{
				StartDate: "2026-09-01", EndDate: "2026-09-30",
				OfficeID: 10187259, ServiceID: 1063453, Token: "tok",
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if tt.wantAPI {
				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("err = %v, want *APIError", err)
				}
				if apiErr.Code != "noAppointmentForThisScope" {
					t.Fatalf("code = %q", apiErr.Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("AvailableDays: %v", err)
			}
			if len(days) != tt.wantDays {
				t.Fatalf("days = %d, want %d", len(days), tt.wantDays)
			}
		})
	}
}

func TestAvailableSlots(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"offices": []map[string]any{
				{"officeId": 10187259, "appointments": []int64{1760342400, 1760340600}},
			},
		})
	}))
	slots, err := c.AvailableSlots(context.Background(), "2026-09-05", 10187259, 1063453, "tok")
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(slots))
	}
	if !slots[0].Before(slots[1]) {
		t.Fatalf("slots not sorted: %v", slots)
	}
	if got := slots[0].Unix(); got != 1760340600 {
		t.Fatalf("first slot unix = %d, want 1760340600", got)
	}
}

func TestReserve(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "reserved", status: 200, body: `{"processId":192035,"authKey":"a1b2","timestamp":"1760340600","scope":{"provider":{"name":"Bürgerbüro"}}}`},
		{name: "empty response means sniped", status: 200, body: `{}`, wantErr: ErrSlotTaken},
		{name: "structured refusal", status: 404, body: `{"errorCode":"appointmentNotAvailable"}`, wantErr: ErrSlotTaken},
		{name: "stale token", status: 401, body: `{}`, wantErr: ErrTokenRejected},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("decode reserve body: %v", err)
				}
				if _, ok := body["captchaToken"]; !ok {
					t.Errorf("reserve body missing captchaToken")
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			res, err := c.Reserve(context.Background(), ReserveRequest{
				Timestamp: 1760340600, OfficeID: 10187259, ServiceID: 1063453, Token: "tok",
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if res.ProcessID != 192035 || res.AuthKey != "a1b2" {
				t.Fatalf("unexpected reservation: %+v", res)
			}
		})
	}
}

func TestUpdateCarriesApplicantAndScope(t *testing.T) {
	var got map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode update body: %v", err)
		}
		w.Write([]byte(`{}`))
	}))

	err := c.Update(context.Background(), Appointment{
		ProcessID: 192035, AuthKey: "a1b2", Timestamp: "1760340600",
		FamilyName: "Max Mustermann", Email: "max@example.org",
		OfficeID: 10187259, ServiceID: 1063453, ServiceName: "Reisepass beantragen",
		Scope: json.RawMessage(`{"provider":{"name":"Bürgerbüro Leonrodstraße"}}`),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	checks := map[string]any{
		"status":       "reserved",
		"familyName":   "Max Mustermann",
		"officeName":   "Bürgerbüro Leonrodstraße",
		"serviceName":  "Reisepass beantragen",
		"captchaToken": "",
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("update body %s = %v, want %v", k, got[k], want)
		}
	}
	if got["slotCount"] != float64(1) || got["serviceCount"] != float64(1) {
		t.Errorf("counts wrong: slotCount=%v serviceCount=%v", got["slotCount"], got["serviceCount"])
	}
}

func TestQueryFillsSlotsAndDegrades(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/available-days-by-office/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"availableDays":[{"time":"2026-09-05"},{"time":"2026-09-08"}]}`))
	})
	mux.HandleFunc("/available-appointments-by-office/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("date") == "2026-09-08" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"offices": []map[string]any{
				{"officeId": 10187259, "appointments": []int64{1760340600, 1760342400}},
			},
		})
	})

	c := testClient(t, mux)
	days, err := c.Query(context.Background(), AvailabilityQuery{
		StartDate: "2026-09-01", EndDate: "2026-09-30",
		OfficeID: 10187259, ServiceID: 1063453, Token: "tok",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("days = %d, want 2", len(days))
	}
	if len(days[0].Slots) != 2 {
		t.Fatalf("day 1 slots = %d, want 2", len(days[0].Slots))
	}
	// The failed slot fetch degrades to date-only instead of killing the query.
	if days[1].Date != "2026-09-08" || len(days[1].Slots) != 0 {
		t.Fatalf("day 2 = %+v, want date-only", days[1])
	}
}

func TestQueryPropagatesTokenRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/available-days-by-office/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"availableDays":[{"time":"2026-09-05"}]}`))
	})
	mux.HandleFunc("/available-appointments-by-office/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{}`))
	})

	c := testClient(t, mux)
	_, err := c.Query(context.Background(), AvailabilityQuery{
		StartDate: "2026-09-01", EndDate: "2026-09-30",
		OfficeID: 10187259, ServiceID: 1063453, Token: "stale",
	})
	if !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("err = %v, want ErrTokenRejected", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := c.AvailableDays(context.Background(), AvailabilityQuery{StartDate: "2026-09-01", EndDate: "2026-09-02"})
	if err == nil {
		t.Fatalf("want error on 502")
	}
	if errors.Is(err, ErrTokenRejected) || errors.Is(err, ErrSlotTaken) {
		t.Fatalf("5xx must stay transient, got %v", err)
	}
}

func TestRateLimiterHonorsContext(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:0", RatePerSec: 0.001}, logx.Nop())
	// Burn the single burst token.
	c.lim.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.CaptchaChallenge(ctx)
	if err == nil {
		t.Fatalf("want error when the limiter cannot admit in time")
	}
}
