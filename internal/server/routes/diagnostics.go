package routes

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/tiercache/internal/decode"
)

// RegisterDecoderRoutes 暴露 /-/decoders，列出已注册的内容类型前缀，
// 并支持按 ?type= 查询某个内容类型是否会被接受。
func RegisterDecoderRoutes(app *fiber.App, registry *decode.Registry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/decoders", func(c fiber.Ctx) error {
		payload := fiber.Map{"prefixes": registry.Prefixes()}
		if contentType := strings.TrimSpace(c.Query("type")); contentType != "" {
			payload["type"] = contentType
			payload["status"] = registry.Status(contentType)
		}
		return c.JSON(payload)
	})
}

// RegisterMetricsRoute 通过 adaptor 把 promhttp handler 挂到 /-/metrics。
func RegisterMetricsRoute(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}
