package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/mocks"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence/memory"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/runtimestate"
)

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence, *mocks.MockEventBus) {
	t.Helper()

	persistence := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	api := NewAPI(
		slog.New(slog.DiscardHandler),
		persistence,
		queue.NewMemoryQueue(),
		runtimestate.NewMemoryStore(),
		bus,
	)

	return api.App(), persistence, bus
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "flowrunner API", readBody(t, resp))
}

func TestAPI_HealthCheck(t *testing.T) {
	app, _, _ := setupTestApp(t)

	for _, path := range []string{"/livez", "/readyz"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "OK", readBody(t, resp))
	}
}

func TestAPI_StartExecutionPublishesEvent(t *testing.T) {
	app, persistence, bus := setupTestApp(t)

	userWorkflowID := persistence.AddUserWorkflow(models.UserWorkflow{UserID: 1, WorkflowID: 2})

	body, err := json.Marshal(map[string]any{"payload": map[string]any{"source": "api"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/workflows/"+strconv.FormatInt(userWorkflowID, 10)+"/executions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode, readBody(t, resp))
	assert.Equal(t, []events.EventType{events.ExecutionQueuedEvent}, bus.PublishedTypes())
}
