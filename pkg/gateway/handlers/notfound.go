package handlers

import (
	"net/http"

	"github.com/vango-go/live-gateway/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mw.WriteJSONError(w, http.StatusNotFound, "Not found")
}
