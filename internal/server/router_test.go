package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterServesObjects(t *testing.T) {
	var seenID string
	app := newTestApp(t, ObjectHandlerFunc(func(c fiber.Ctx) error {
		seenID = RequestID(c)
		return c.SendStatus(fiber.StatusNoContent)
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/objects?url=http://example.com/a.png", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if seenID != reqID {
		t.Fatalf("handler saw request id %q, header %q", seenID, reqID)
	}
}

func TestRouterReturnsJSON404(t *testing.T) {
	app := newTestApp(t, ObjectHandlerFunc(func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("expected not_found error, got %s", string(body))
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	app := newTestApp(t, ObjectHandlerFunc(func(c fiber.Ctx) error {
		panic("boom")
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/objects", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without object handler")
	}
	handler := ObjectHandlerFunc(func(c fiber.Ctx) error { return nil })
	if _, err := NewApp(AppOptions{Logger: logger, Objects: handler}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func newTestApp(t *testing.T, handler ObjectHandler) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Objects:    handler,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}
