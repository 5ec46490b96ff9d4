package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/finemagazi/shellcache/internal/cache"
	"github.com/finemagazi/shellcache/internal/server"
	"github.com/finemagazi/shellcache/internal/worker"
)

// WorkerRouteOptions 汇总控制接口依赖的组件。
type WorkerRouteOptions struct {
	Manager  *worker.Manager
	Storage  cache.Storage
	Registry *server.SiteRegistry
	Logger   *logrus.Logger
}

// RegisterWorkerRoutes 暴露 /-/sw 控制接口：页面通过 message 发送 SKIP_WAITING，
// 通过 controller 轮询控制者切换（controllerchange），status 供运维查看缓存版本。
func RegisterWorkerRoutes(app *fiber.App, opts WorkerRouteOptions) {
	if app == nil || opts.Manager == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if err := opts.Manager.PostMessage(c.Context(), msg); err != nil {
			if errors.Is(err, worker.ErrUnknownMessage) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
			}
			logger.WithFields(logrus.Fields{
				"action":     "message",
				"request_id": server.RequestID(c),
			}).WithError(err).Error("control message failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/sw/controller", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Cookies(server.ClientCookieName))
		if id == "" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_unknown"})
		}
		client, ok := opts.Manager.Clients().TakeReload(id)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_unknown"})
		}
		return c.JSON(controllerPayload{
			Controller: client.Controller,
			Reload:     client.ReloadPending,
		})
	})

	app.Get("/-/sw/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Status:      opts.Manager.Snapshot(),
			ClientsList: opts.Manager.Clients().List(),
		}
		if opts.Storage != nil {
			names, err := opts.Storage.Keys(c.Context())
			if err != nil {
				logger.WithField("action", "status").WithError(err).Warn("list caches failed")
			}
			payload.Caches = names
		}
		if opts.Registry != nil {
			payload.Origin = opts.Registry.Origin().String()
			payload.SiteHosts = opts.Registry.Hosts()
		}
		return c.JSON(payload)
	})
}

type controllerPayload struct {
	Controller string `json:"controller"`
	Reload     bool   `json:"reload"`
}

type statusPayload struct {
	worker.Status
	ClientsList []worker.Client `json:"client_list"`
	Caches      []string        `json:"caches"`
	Origin      string          `json:"origin,omitempty"`
	SiteHosts   []string        `json:"site_hosts,omitempty"`
}
