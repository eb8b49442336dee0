package routes

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/tiercache/internal/fetcher"
)

// FetchControl 是 /-/fetch 与 /-/targets 需要的协调器能力，*fetcher.Coordinator 满足该接口。
type FetchControl interface {
	Stats() fetcher.Stats
	SetPaused(bool)
	SetExitTasksEarly(bool)
	Cancel(fetcher.TargetID) bool
	State(fetcher.TargetID) (fetcher.State, bool)
}

// TargetReleaser 关闭 target 上仍在等待结果的请求，通常是 proxy.Broker。
type TargetReleaser interface {
	Drop(fetcher.TargetID) int
}

// RegisterFetchRoutes 暴露协调器的暂停、exit-early 开关与按目标取消。releaser 可以为 nil。
func RegisterFetchRoutes(app *fiber.App, ctl FetchControl, releaser TargetReleaser) {
	if app == nil || ctl == nil {
		return
	}

	app.Get("/-/fetch", func(c fiber.Ctx) error {
		return c.JSON(ctl.Stats())
	})

	app.Post("/-/fetch/pause", func(c fiber.Ctx) error {
		paused, err := boolQuery(c, "paused")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_paused"})
		}
		ctl.SetPaused(paused)
		return c.JSON(fiber.Map{"paused": paused})
	})

	app.Post("/-/fetch/exit-early", func(c fiber.Ctx) error {
		enabled, err := boolQuery(c, "enabled")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_enabled"})
		}
		ctl.SetExitTasksEarly(enabled)
		return c.JSON(fiber.Map{"exit_early": enabled})
	})

	app.Get("/-/targets/:target", func(c fiber.Ctx) error {
		target := strings.TrimSpace(c.Params("target"))
		state, bound := ctl.State(fetcher.TargetID(target))
		return c.JSON(fiber.Map{
			"target": target,
			"bound":  bound,
			"state":  state.String(),
		})
	})

	app.Delete("/-/targets/:target", func(c fiber.Ctx) error {
		target := strings.TrimSpace(c.Params("target"))
		if target == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "target_required"})
		}
		cancelled := ctl.Cancel(fetcher.TargetID(target))
		released := 0
		if releaser != nil {
			released = releaser.Drop(fetcher.TargetID(target))
		}
		return c.JSON(fiber.Map{
			"target":    target,
			"cancelled": cancelled,
			"released":  released,
		})
	})
}

// boolQuery 读取布尔查询参数，缺省视为 true。
func boolQuery(c fiber.Ctx, name string) (bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return true, nil
	}
	return strconv.ParseBool(raw)
}
