package rooms

import (
	"docsync-server/collab"
	"net/http"

	"github.com/go-chi/render"
)

// HandleList reports the rooms that currently have members, busiest first.
func HandleList(registry *collab.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, registry.Rooms())
	}
}
