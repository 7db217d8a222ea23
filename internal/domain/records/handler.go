package records

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the record endpoints on the API group and the
// operational endpoints on the admin group.
func (h *Handler) RegisterRoutes(api *echo.Group, admin *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.POST("/patients/:id/notes", h.AppendNote)
	api.GET("/patients/:id/analyses", h.ListPatientAnalyses)

	api.POST("/analyses", h.StoreAnalysis)
	api.GET("/analyses/:analysisId", h.GetAnalysis)
	api.GET("/owners/:ownerId/analyses", h.ListOwnerAnalyses)

	admin.POST("/sync", h.RunSync)
	admin.GET("/health", h.Health)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	case errors.Is(err, ErrDualStorageFailure):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "both storage backends rejected the write")
	case errors.Is(err, ErrDocumentStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "document store unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.StorePatientWithFallback(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// storeRequest is the intake payload: the patient profile plus one analysis.
type storeRequest struct {
	Patient  PatientInput  `json:"patient"`
	Analysis AnalysisInput `json:"analysis"`
}

func (h *Handler) StoreAnalysis(c echo.Context) error {
	var req storeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	receipt, err := h.svc.Store(c.Request().Context(), req.Patient, req.Analysis)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, receipt)
}

func (h *Handler) GetAnalysis(c echo.Context) error {
	out, err := h.svc.RetrieveWithFallback(c.Request().Context(), c.Param("analysisId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListPatientAnalyses(c echo.Context) error {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListOwnerAnalyses(c echo.Context) error {
	ownerID := c.Param("ownerId")
	if ownerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForOwner(c.Request().Context(), ownerID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type appendNoteRequest struct {
	Note string `json:"note"`
}

func (h *Handler) AppendNote(c echo.Context) error {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req appendNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AppendPatientNote(c.Request().Context(), id, req.Note); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RunSync(c echo.Context) error {
	report, err := h.svc.Sync(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Health(c echo.Context) error {
	report := h.svc.HealthCheck(c.Request().Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}
