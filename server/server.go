package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cache"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"tvfeed/history"
	"tvfeed/models"
)

// HistoryReader returns the persisted history of an owner
type HistoryReader interface {
	GetHistory(ctx context.Context, ownerID string) (models.FeedHistory, error)
}

// ReportSource exposes the outcome of the last ingestion cycle
type ReportSource interface {
	LastReport() (models.CycleReport, bool)
}

type ServerConfig struct {
	// The hostname to use for the server
	Hostname string

	Histories HistoryReader
	Reports   ReportSource

	// How long feed responses are cached, zero disables caching
	CacheExpiration time.Duration
}

type healthResponse struct {
	Status     string              `json:"status"`
	LastReport *models.CycleReport `json:"lastReport,omitempty"`
}

// Returns a fiber.App serving histories, health and metrics
func Server(config *ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())

	if config.CacheExpiration > 0 {
		app.Use(cache.New(cache.Config{
			Next: func(c *fiber.Ctx) bool {
				// Only feed reads change slowly enough to cache
				return c.Method() != fiber.MethodGet || !strings.HasPrefix(c.Path(), "/feeds/")
			},
			Expiration: config.CacheExpiration,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.Request().URI().String()
			},
		}))
	}

	app.Get("/feeds/:owner", func(c *fiber.Ctx) error {
		owner := c.Params("owner")
		limit, err := strconv.Atoi(c.Query("limit", strconv.Itoa(history.Capacity)))
		if err != nil || limit < 1 || limit > history.Capacity {
			limit = history.Capacity
		}

		h, err := config.Histories.GetHistory(c.UserContext(), owner)
		if err != nil {
			log.WithFields(log.Fields{
				"owner": owner,
				"error": err,
			}).Error("Error reading history")
			if errors.Is(err, history.ErrCorrupt) {
				return c.Status(fiber.StatusInternalServerError).SendString("History unreadable")
			}
			return c.Status(fiber.StatusServiceUnavailable).SendString("Error reading history")
		}

		h.OwnerID = owner
		if h.Items == nil {
			h.Items = []models.FeedItem{}
		}
		if len(h.Items) > limit {
			h.Items = h.Items[:limit]
		}
		return c.JSON(h)
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		report, ok := config.Reports.LastReport()
		if !ok {
			return c.JSON(healthResponse{Status: "starting"})
		}
		if !report.Healthy() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(healthResponse{Status: "unhealthy", LastReport: &report})
		}
		return c.JSON(healthResponse{Status: "ok", LastReport: &report})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}
