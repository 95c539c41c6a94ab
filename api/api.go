package api

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"haruki-sekai-api/client"
	"haruki-sekai-api/config"
	"haruki-sekai-api/utils"

	"github.com/gofiber/fiber/v2"
)

var (
	startTime = time.Now()
	digitsRe  = regexp.MustCompile(`^\d+$`)
	hex64Re   = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

func getMgr(c *fiber.Ctx) (utils.HarukiSekaiServerRegion, *client.SekaiClientManager, error) {
	region, err := utils.ParseSekaiServerRegion(strings.ToLower(c.Params("server")))
	if err != nil {
		return "", nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	mgr, ok := HarukiSekaiManagers[region]
	if !ok || mgr == nil {
		return "", nil, fiber.NewError(fiber.StatusServiceUnavailable, "server not initialized")
	}
	return region, mgr, nil
}

func proxyGameAPI(c *fiber.Ctx, path string, params map[string]any) error {
	_, mgr, err := getMgr(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	data, status := mgr.GetGameAPI(ctx, path, params)
	return c.Status(status).JSON(data)
}

func healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"version":     config.Version,
		"uptime_secs": int64(time.Since(startTime).Seconds()),
	})
}

// mySekaiImageHandler serves photo blobs without auth. CP regions
// address photos by a pair of 64-char hex hashes; Nuverse regions by
// numeric user id and photo index.
func mySekaiImageHandler(c *fiber.Ctx) error {
	region, mgr, err := getMgr(c)
	if err != nil {
		return err
	}
	p1 := c.Params("p1")
	p2 := c.Params("p2")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var img []byte
	if region.IsCP() {
		if !hex64Re.MatchString(p1) || !hex64Re.MatchString(p2) {
			return fiber.NewError(fiber.StatusBadRequest,
				"Invalid path format for colorful palette servers (expected 64-char hex)")
		}
		img, err = mgr.GetCPMySekaiImage(ctx, p1+"/"+p2)
	} else {
		if !digitsRe.MatchString(p1) || !digitsRe.MatchString(p2) {
			return fiber.NewError(fiber.StatusBadRequest,
				"Invalid path format for nuverse servers (expected numeric user_id and index)")
		}
		img, err = mgr.GetNuverseMySekaiImage(ctx, p1, p2)
	}
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("Fetch image failed: %v", err))
	}
	c.Set("Content-Type", "image/png")
	return c.Send(img)
}

// RegisterRoutes wires the public surface: health, unauthenticated
// image fetch, and the token-gated game API passthroughs.
func RegisterRoutes(app *fiber.App) {
	app.Get("/health", healthHandler)
	app.Get("/image/:server/mysekai/:p1/:p2", mySekaiImageHandler)

	api := app.Group("/api/:server", validateUserTokenMiddleware())

	api.Get("/system", func(c *fiber.Ctx) error {
		return proxyGameAPI(c, "/system", nil)
	})

	api.Get("/information", func(c *fiber.Ctx) error {
		return proxyGameAPI(c, "/information", nil)
	})

	api.Get("/event/:event_id/ranking-top100", func(c *fiber.Ctx) error {
		eventID := c.Params("event_id")
		if !digitsRe.MatchString(eventID) {
			return fiber.NewError(fiber.StatusBadRequest, "event_id must be numeric")
		}
		path := fmt.Sprintf("/user/{userId}/event/%s/ranking", eventID)
		return proxyGameAPI(c, path, map[string]any{"rankingViewType": "top100"})
	})

	api.Get("/event/:event_id/ranking-border", func(c *fiber.Ctx) error {
		eventID := c.Params("event_id")
		if !digitsRe.MatchString(eventID) {
			return fiber.NewError(fiber.StatusBadRequest, "event_id must be numeric")
		}
		return proxyGameAPI(c, fmt.Sprintf("/event/%s/ranking-border", eventID), nil)
	})

	api.Get("/:user_id/profile", func(c *fiber.Ctx) error {
		userID := c.Params("user_id")
		if userID == "" || !digitsRe.MatchString(userID) {
			return fiber.NewError(fiber.StatusBadRequest, "user_id must be numeric")
		}
		return proxyGameAPI(c, fmt.Sprintf("/user/{userId}/%s/profile", userID), nil)
	})
}
