package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
)

type incidentView struct {
	ID          string                `json:"id"`
	Type        string                `json:"type"`
	Title       string                `json:"title"`
	Status      string                `json:"status"`
	Location    model.Location        `json:"location"`
	Address     string                `json:"address,omitempty"`
	IncidentDay *model.Day            `json:"incident_day,omitempty"`
	PhotosCount int                   `json:"photos_count"`
	Version     int64                 `json:"version,omitempty"`
	Events      []model.IncidentEvent `json:"events"`
}

func getIncidentHandler(repo repository.IncidentsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")

		inc, err := repo.Get(ctx, nil, id)
		if err != nil {
			c.Logger().Errorf("incident get failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if inc == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}

		events, err := repo.ListEvents(ctx, id)
		if err != nil {
			c.Logger().Errorf("incident events failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if events == nil {
			events = []model.IncidentEvent{}
		}

		return c.JSON(http.StatusOK, incidentView{
			ID:          inc.ID,
			Type:        inc.Type,
			Title:       inc.Title,
			Status:      inc.Status,
			Location:    model.Location{Lat: inc.Lat, Lon: inc.Lon},
			Address:     inc.Address,
			IncidentDay: inc.IncidentDay,
			PhotosCount: inc.PhotosCount,
			Version:     inc.Version,
			Events:      events,
		})
	}
}
