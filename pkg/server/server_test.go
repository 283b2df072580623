package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptoelites/mintgate/pkg/mint"
	gatetesting "github.com/cryptoelites/mintgate/pkg/testing"
)

type mockSession struct {
	readyFunc    func() bool
	reportFunc   func() []mint.ReportEntry
	outcomesFunc func() []mint.Outcome
}

func (m *mockSession) Ready() bool {
	if m.readyFunc != nil {
		return m.readyFunc()
	}
	return true
}

func (m *mockSession) Report() []mint.ReportEntry {
	if m.reportFunc != nil {
		return m.reportFunc()
	}
	return nil
}

func (m *mockSession) Outcomes() []mint.Outcome {
	if m.outcomesFunc != nil {
		return m.outcomesFunc()
	}
	return nil
}

func testServer(t *testing.T, session Session) *Server {
	t.Helper()
	srv, err := New(Config{
		Logger:  gatetesting.NewLogger(),
		Session: session,
		Bind:    "127.0.0.1:0",
	})
	require.NoError(t, err)
	return srv
}

func TestMintgate_Server_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		srv, err := New(Config{Session: &mockSession{}, Bind: "127.0.0.1:0"})
		require.Error(t, err)
		require.Nil(t, srv)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing session", func(t *testing.T) {
		t.Parallel()
		srv, err := New(Config{Logger: gatetesting.NewLogger(), Bind: "127.0.0.1:0"})
		require.Error(t, err)
		require.Nil(t, srv)
		require.Contains(t, err.Error(), "session is required")
	})

	t.Run("missing bind address", func(t *testing.T) {
		t.Parallel()
		srv, err := New(Config{Logger: gatetesting.NewLogger(), Session: &mockSession{}})
		require.Error(t, err)
		require.Nil(t, srv)
		require.Contains(t, err.Error(), "bind address is required")
	})
}

func TestMintgate_Server_Eligibility(t *testing.T) {
	t.Parallel()

	t.Run("returns the ordered report", func(t *testing.T) {
		t.Parallel()
		srv := testServer(t, &mockSession{
			reportFunc: func() []mint.ReportEntry {
				return []mint.ReportEntry{
					{Label: "default", Allowed: true, Remaining: 8},
					{Label: "public", Allowed: false, Remaining: 0},
				}
			},
		})

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/eligibility", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report []mint.ReportEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		require.Len(t, report, 2)
		require.Equal(t, "default", report[0].Label)
		require.Equal(t, uint64(8), report[0].Remaining)
		require.False(t, report[1].Allowed)
	})

	t.Run("unavailable before the first pass", func(t *testing.T) {
		t.Parallel()
		srv := testServer(t, &mockSession{readyFunc: func() bool { return false }})

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/eligibility", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMintgate_Server_Outcomes(t *testing.T) {
	t.Parallel()

	t.Run("returns the feed", func(t *testing.T) {
		t.Parallel()
		srv := testServer(t, &mockSession{
			outcomesFunc: func() []mint.Outcome {
				return []mint.Outcome{
					{AttemptID: 1, Label: "public", Success: true, Asset: "abc", SettledAt: time.Unix(100, 0)},
					{AttemptID: 2, Label: "public", Failure: mint.FailureTimeout},
				}
			},
		})

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outcomes", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var outcomes []mint.Outcome
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
		require.Len(t, outcomes, 2)
		require.True(t, outcomes[0].Success)
		require.Equal(t, mint.FailureTimeout, outcomes[1].Failure)
	})

	t.Run("empty feed is an empty array, not null", func(t *testing.T) {
		t.Parallel()
		srv := testServer(t, &mockSession{})

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outcomes", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestMintgate_Server_Readyz(t *testing.T) {
	t.Parallel()

	t.Run("ok when ready", func(t *testing.T) {
		t.Parallel()
		srv := testServer(t, &mockSession{})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unavailable when not ready", func(t *testing.T) {
		t.Parallel()
		srv := testServer(t, &mockSession{readyFunc: func() bool { return false }})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMintgate_Server_ReadOnly(t *testing.T) {
	t.Parallel()

	srv := testServer(t, &mockSession{})
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/eligibility", nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
}
