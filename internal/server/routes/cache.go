package routes

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/cache"
)

// CacheControl 是 /-/cache 需要的缓存能力，*cache.Cache 满足该接口。
type CacheControl interface {
	Stats() cache.Stats
	InitDisk() <-chan error
	Flush() <-chan error
	Clear() <-chan error
	CloseDisk() <-chan error
}

// jobTimeout 是等待生命周期作业完成的上限；超时后作业仍会在队列中执行完。
var jobTimeout = 30 * time.Second

// RegisterCacheRoutes 暴露缓存快照与生命周期操作，所有操作都经由缓存的串行队列执行。
func RegisterCacheRoutes(app *fiber.App, ctl CacheControl, logger logrus.FieldLogger) {
	if app == nil || ctl == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		return c.JSON(ctl.Stats())
	})

	jobs := map[string]func() <-chan error{
		"init":  ctl.InitDisk,
		"flush": ctl.Flush,
		"clear": ctl.Clear,
		"close": ctl.CloseDisk,
	}
	for name, submit := range jobs {
		app.Post("/-/cache/"+name, func(c fiber.Ctx) error {
			return awaitJob(c, logger, name, submit())
		})
	}
}

func awaitJob(c fiber.Ctx, logger logrus.FieldLogger, name string, done <-chan error) error {
	started := time.Now()
	timer := time.NewTimer(jobTimeout)
	defer timer.Stop()

	fields := logrus.Fields{"action": "cache_" + name}
	select {
	case err := <-done:
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err == nil {
			logger.WithFields(fields).Info("缓存作业完成")
			return c.JSON(fiber.Map{"job": name, "status": "ok"})
		}
		logger.WithFields(fields).WithError(err).Warn("缓存作业失败")
		status := fiber.StatusInternalServerError
		if errors.Is(err, cache.ErrShutdown) {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"job": name, "error": err.Error()})
	case <-timer.C:
		logger.WithFields(fields).Warn("缓存作业等待超时")
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"job": name, "error": "job_timeout"})
	}
}
