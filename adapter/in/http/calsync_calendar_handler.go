package http

import (
	"strings"

	"calsync/core/domain"
	"calsync/core/port/in"
	"calsync/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// ProviderTokenHeader carries a bearer credential for the source being synced.
const ProviderTokenHeader = "X-Provider-Token"

type CalendarHandler struct {
	syncUseCase  in.SyncUseCase
	queryUseCase in.EventQueryUseCase
}

func NewCalendarHandler(syncUseCase in.SyncUseCase, queryUseCase in.EventQueryUseCase) *CalendarHandler {
	return &CalendarHandler{syncUseCase: syncUseCase, queryUseCase: queryUseCase}
}

// Register mounts the routes on a router that already runs JWT auth.
func (h *CalendarHandler) Register(router fiber.Router) {
	router.Post("/sync", h.Sync)
	router.Get("/events", h.ListEvents)
	router.Delete("/cache", h.InvalidateCache)
}

type syncBody struct {
	UserID           string `json:"user_id"`
	ProviderSourceID string `json:"provider_source_id"`
	ForceRefresh     bool   `json:"force_refresh"`
}

func (h *CalendarHandler) Sync(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	var body syncBody
	if err := c.BodyParser(&body); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if body.UserID == "" {
		body.UserID = userID
	}
	if err := domain.CheckUser(userID, body.UserID); err != nil {
		return toAppError(err)
	}
	if strings.TrimSpace(body.ProviderSourceID) == "" {
		return apperr.MissingField("provider_source_id")
	}

	result, err := h.syncUseCase.Sync(c.UserContext(), &in.SyncRequest{
		UserID:           body.UserID,
		ProviderSourceID: body.ProviderSourceID,
		ForceRefresh:     body.ForceRefresh,
		Credential:       domain.Credential{BearerToken: strings.TrimSpace(c.Get(ProviderTokenHeader))},
	})
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, result)
}

func (h *CalendarHandler) ListEvents(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	if q := c.Query("user_id"); q != "" {
		if err := domain.CheckUser(userID, q); err != nil {
			return toAppError(err)
		}
	}

	rng, err := parseRange(c, true)
	if err != nil {
		return err
	}

	req := &in.EventsRequest{UserID: userID, Range: *rng}
	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := parseTime("since", sinceStr)
		if err != nil {
			return err
		}
		req.Since = &since
	}

	view, err := h.queryUseCase.Events(c.UserContext(), req)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, view)
}

func (h *CalendarHandler) InvalidateCache(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	rng, err := parseRange(c, false)
	if err != nil {
		return err
	}

	removed, err := h.queryUseCase.Invalidate(c.UserContext(), userID, rng)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, fiber.Map{"removed": removed})
}
