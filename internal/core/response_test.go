package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"billingrelay/internal/types"
)

func TestJSON_WritesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusCreated, map[string]string{"url": "https://x"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if strings.TrimSpace(rec.Body.String()) != `{"url":"https://x"}` {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestJSON_MarshalFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, map[string]any{"ch": make(chan int)})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestError_AppErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    types.ErrorCode
		wantDetails bool
	}{
		{
			name:        "validation keeps details",
			err:         types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField, "userId is required", nil, map[string]any{"field": "userId"}),
			wantStatus:  http.StatusBadRequest,
			wantCode:    types.ErrCodeValidationMissingField,
			wantDetails: true,
		},
		{
			name:       "wrapped permission error",
			err:        fmt.Errorf("handler: %w", types.NewAppError(types.ErrCodePermissionUserMismatch, "mismatch", nil)),
			wantStatus: http.StatusForbidden,
			wantCode:   types.ErrCodePermissionUserMismatch,
		},
		{
			name:       "internal hides details",
			err:        types.NewAppErrorWithDetails(types.ErrCodeInternalAmbiguousCustomer, "ambiguous", nil, map[string]any{"customer_id": "cus_1"}),
			wantStatus: http.StatusInternalServerError,
			wantCode:   types.ErrCodeInternalAmbiguousCustomer,
		},
		{
			name:       "plain error",
			err:        errors.New("connection reset by db-host-7"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   types.ErrCodeInternalUnexpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(types.WithRequestID(req.Context(), "rid-1"))
			rec := httptest.NewRecorder()

			Error(rec, req, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp APIErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid envelope: %v", err)
			}
			if resp.Error.Code != string(tt.wantCode) {
				t.Errorf("code = %s, want %s", resp.Error.Code, tt.wantCode)
			}
			if resp.Error.RequestID != "rid-1" {
				t.Errorf("request_id = %q", resp.Error.RequestID)
			}
			if (resp.Error.Details != nil) != tt.wantDetails {
				t.Errorf("details = %v, wantDetails %v", resp.Error.Details, tt.wantDetails)
			}
			if strings.Contains(rec.Body.String(), "db-host-7") {
				t.Error("internal error text leaked to client")
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		UserID string `json:"userId"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"userId":"u1"}`, false},
		{"empty", ``, true},
		{"malformed", `{"userId":`, true},
		{"unknown field", `{"userId":"u1","extra":1}`, true},
		{"wrong type", `{"userId":7}`, true},
		{"trailing value", `{"userId":"u1"}{"userId":"u2"}`, true},
		{"too large", `{"userId":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if dst.UserID != "u1" {
					t.Errorf("UserID = %q", dst.UserID)
				}
				return
			}
			if types.CodeOf(err) != types.ErrCodeValidationInvalidJSON {
				t.Errorf("code = %s, want validation_invalid_json (err=%v)", types.CodeOf(err), err)
			}
		})
	}
}
