package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/greeks"
	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *Server {
	logger, _ := test.NewNullLogger()
	return NewServer(logger, "0")
}

func TestHandleHealth(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestHandleGreeksBeforeFirstPass(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.handleGreeks(w, httptest.NewRequest(http.MethodGet, "/api/greeks", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleGreeksAfterPublish(t *testing.T) {
	s := testServer()

	id := models.OptionIdentity{
		Symbol: "AAPL", Expiry: "20260918", Strike: 150,
		Right: models.RightCall, Exchange: "SMART", Currency: "USD",
	}
	snap := models.GreeksSnapshot{
		Identity: id, Delta: 0.55, CapturedAt: time.Now(), Source: models.SourceLive,
	}
	missingID := id
	missingID.Strike = 170

	result := &greeks.Result{
		Entries: map[string]greeks.Entry{
			id.Key():        {Identity: id, Snapshot: &snap, Status: greeks.StatusLive},
			missingID.Key(): {Identity: missingID, Status: greeks.StatusMissing},
		},
		Live:        1,
		Missing:     1,
		CompletedAt: time.Now(),
	}
	s.Publish(nil, models.PositionSummary{}, result)

	w := httptest.NewRecorder()
	s.handleGreeks(w, httptest.NewRequest(http.MethodGet, "/api/greeks", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp greeksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Live)
	assert.Equal(t, 1, resp.Missing)
	require.Len(t, resp.Entries, 2)

	// Provenance tiers are distinguishable; missing entries carry no values.
	for _, entry := range resp.Entries {
		switch entry.Status {
		case greeks.StatusLive:
			require.NotNil(t, entry.Delta)
			assert.Equal(t, 0.55, *entry.Delta)
		case greeks.StatusMissing:
			assert.Nil(t, entry.Delta)
		}
	}
}

func TestHandlePositionsEmpty(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.handlePositions(w, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}
