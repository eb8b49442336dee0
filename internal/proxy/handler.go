package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/decode"
	"github.com/any-hub/tiercache/internal/fetcher"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/server"
	"github.com/any-hub/tiercache/internal/worker"
)

// Requester 是对象入口依赖的协调器能力，*fetcher.Coordinator 满足该接口。
type Requester interface {
	Request(key string, target fetcher.TargetID, opts ...fetcher.RequestOption) bool
}

// payload 是可以直接写回响应体的值，*decode.Blob 满足该接口。
type payload interface {
	Bytes() []byte
	ContentType() string
}

type dimensioned interface {
	Dimensions() (int, int)
}

// Handler 处理 GET /objects：登记等待、提交请求，然后在超时前把结果写回客户端。
type Handler struct {
	fetch   Requester
	broker  *Broker
	logger  *logrus.Logger
	timeout time.Duration
}

// NewHandler 创建对象入口。timeout <= 0 时使用 30s。
func NewHandler(fetch Requester, broker *Broker, logger *logrus.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		fetch:   fetch,
		broker:  broker,
		logger:  logger,
		timeout: timeout,
	}
}

// Handle 实现 server.ObjectHandler。handler 内部 panic 会被转换成 500 响应。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondHandlerPanic(c, r, requestID)
		}
	}()

	// fiber 的 Query 返回值只在 handler 内有效，key/target 会被协调器持有，需要复制。
	key := strings.Clone(strings.TrimSpace(c.Query("url")))
	if key == "" {
		return h.writeError(c, fiber.StatusBadRequest, "url_required")
	}
	target := strings.Clone(strings.TrimSpace(c.Query("target")))
	if target == "" {
		target = uuid.NewString()
	}

	opts, err := requestOptions(c)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, err.Error())
	}

	sub := h.broker.Subscribe(fetcher.TargetID(target), key)
	defer sub.Close()
	h.fetch.Request(key, fetcher.TargetID(target), opts...)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case result, ok := <-sub.C:
		if !ok {
			h.logResult(requestID, key, target, "", false, started, errTargetReleased)
			return h.writeError(c, fiber.StatusConflict, "target_released")
		}
		return h.respond(c, result, requestID, started)
	case <-timer.C:
		h.logResult(requestID, key, target, "", false, started, context.DeadlineExceeded)
		return h.writeError(c, fiber.StatusGatewayTimeout, "result_timeout")
	case <-ctx.Done():
		h.logResult(requestID, key, target, "", false, started, ctx.Err())
		return ctx.Err()
	}
}

// errTargetReleased 表示等待被取消或被同一 target 的新请求取代。
var errTargetReleased = errors.New("target released before result")

func requestOptions(c fiber.Ctx) ([]fetcher.RequestOption, error) {
	var opts []fetcher.RequestOption

	width, err := queryInt(c, "w")
	if err != nil {
		return nil, err
	}
	height, err := queryInt(c, "h")
	if err != nil {
		return nil, err
	}
	if width != 0 || height != 0 {
		opts = append(opts, fetcher.WithSizeHint(decode.SizeHint{Width: width, Height: height}))
	}

	if raw := strings.TrimSpace(c.Query("disk")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("invalid_disk")
		}
		if !enabled {
			opts = append(opts, fetcher.WithoutDisk())
		}
	}
	return opts, nil
}

func queryInt(c fiber.Ctx, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid_%s", name)
	}
	return value, nil
}

func (h *Handler) respond(c fiber.Ctx, result fetcher.Result, requestID string, started time.Time) error {
	defer result.Release()

	target := string(result.Target)
	source := string(result.Source)
	c.Set("X-Cache", source)

	if !result.Success {
		h.logResult(requestID, result.Key, target, source, false, started, result.Err)
		status, code := failureStatus(result.Err)
		return h.writeError(c, status, code)
	}

	body, ok := result.Value.(payload)
	if !ok {
		err := fmt.Errorf("value %T has no byte form", result.Value)
		h.logResult(requestID, result.Key, target, source, false, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "value_not_streamable")
	}
	if d, ok := result.Value.(dimensioned); ok {
		if width, height := d.Dimensions(); width > 0 && height > 0 {
			c.Set("X-Object-Width", strconv.Itoa(width))
			c.Set("X-Object-Height", strconv.Itoa(height))
		}
	}
	if ct := body.ContentType(); ct != "" {
		c.Set(fiber.HeaderContentType, ct)
	}
	c.Set("X-Cache-Target", target)

	// 释放引用后缓冲区可能被复用，这里必须复制。
	data := append([]byte(nil), body.Bytes()...)
	h.logResult(requestID, result.Key, target, source, true, started, nil)
	return c.Status(fiber.StatusOK).Send(data)
}

func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, fetcher.ErrInvalidURL):
		return fiber.StatusBadRequest, "invalid_url"
	case errors.Is(err, fetcher.ErrUnsupportedContent):
		return fiber.StatusUnsupportedMediaType, "unsupported_content"
	case errors.Is(err, decode.ErrUndecodable):
		return fiber.StatusUnprocessableEntity, "undecodable"
	case errors.Is(err, fetcher.ErrExitedEarly), errors.Is(err, worker.ErrQueueFull):
		return fiber.StatusServiceUnavailable, "fetch_unavailable"
	case errors.Is(err, fetcher.ErrUpstreamStatus), errors.Is(err, fetcher.ErrEmptyBody):
		return fiber.StatusBadGateway, "upstream_failed"
	default:
		return fiber.StatusBadGateway, "fetch_failed"
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	fields := logrus.Fields{"action": "object", "error": "handler_panic"}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	return h.writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func (h *Handler) logResult(
	requestID string,
	key string,
	target string,
	source string,
	success bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(requestID, key, target, source, success)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("object_failed")
		return
	}
	h.logger.WithFields(fields).Info("object_complete")
}
