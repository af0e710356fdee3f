package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestJSONSerializer_Serialize(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

	err := JSONSerializer{}.Serialize(c, errorBody{
		Error:   "x",
		Details: &failedDetails{Primary: "a (1ms)", Backup: "b (2ms)"},
	}, "")
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	want := `{"error":"x","details":{"primary":"a (1ms)","backup":"b (2ms)"}}` + "\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestJSONSerializer_OmitsEmptyDetails(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

	if err := (JSONSerializer{}).Serialize(c, errorBody{Error: "Invalid request body"}, ""); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Invalid request body"}` {
		t.Errorf("body = %q", got)
	}
}

func TestJSONSerializer_Deserialize(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid", `{"error":"x"}`, 0},
		{"syntax error", `{"error" "x"}`, http.StatusBadRequest},
		{"type error", `{"error":1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			c := e.NewContext(req, httptest.NewRecorder())

			var out errorBody
			err := JSONSerializer{}.Deserialize(c, &out)
			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("Deserialize() error = %v", err)
				}
				if out.Error != "x" {
					t.Errorf("Error = %q, want %q", out.Error, "x")
				}
				return
			}
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.wantCode {
				t.Errorf("Deserialize() error = %v, want HTTP %d", err, tt.wantCode)
			}
		})
	}
}
