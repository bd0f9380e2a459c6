package documents

import (
	"crypto/rand"
	"docsync-server/core"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// maxBodySize matches the socket.io buffer limit.
const maxBodySize = 5000000

type (
	DocumentCreateResponse struct {
		ID string `json:"id"`
	}

	DocumentListResponse struct {
		IDs []string `json:"ids"`
	}
)

func HandleCreate(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := ulid.MustNew(ulid.Now(), rand.Reader).String()

		if _, _, err := documentStore.CreateDefault(r.Context(), id); err != nil {
			logrus.WithField("document_id", id).WithError(err).Error("Failed to create document")
			renderError(w, r, http.StatusServiceUnavailable, "Document storage is unavailable")
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, DocumentCreateResponse{ID: id})
	}
}

func HandleGet(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := core.ValidateDocumentID(id); err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		content, err := documentStore.Load(r.Context(), id)
		switch {
		case errors.Is(err, core.ErrNotFound):
			renderError(w, r, http.StatusNotFound, "Document not found")
			return
		case err != nil:
			logrus.WithField("document_id", id).WithError(err).Error("Failed to load document")
			renderError(w, r, http.StatusServiceUnavailable, "Document storage is unavailable")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(content)
	}
}

func HandlePut(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := core.ValidateDocumentID(id); err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			renderError(w, r, http.StatusRequestEntityTooLarge, "Failed to read request body")
			return
		}
		defer r.Body.Close()

		content, err := core.ParseContent(body)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		if err := documentStore.Save(r.Context(), id, content); err != nil {
			logrus.WithField("document_id", id).WithError(err).Error("Failed to save document")
			renderError(w, r, http.StatusServiceUnavailable, "Document storage is unavailable")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleList(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lister, ok := documentStore.(core.DocumentLister)
		if !ok {
			renderError(w, r, http.StatusNotImplemented, "Listing is not supported by this storage")
			return
		}

		ids, err := lister.List(r.Context())
		switch {
		case errors.Is(err, errors.ErrUnsupported):
			renderError(w, r, http.StatusNotImplemented, "Listing is not supported by this storage")
			return
		case err != nil:
			logrus.WithError(err).Error("Failed to list documents")
			renderError(w, r, http.StatusServiceUnavailable, "Document storage is unavailable")
			return
		}

		if ids == nil {
			ids = []string{}
		}
		render.JSON(w, r, DocumentListResponse{IDs: ids})
	}
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}
