package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.RecordTask("slack", "completed")
	m.RecordApproval("Bash", "allow")
	m.RecordError("gateway", "bad_request")
	m.ObserveTaskDuration("slack", 12.5)
	m.AgentRunsActive.Set(1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "claps_tasks_total")
	assert.Contains(t, body, "claps_approvals_total")
	assert.Contains(t, body, "claps_agent_runs_active 1")
}
